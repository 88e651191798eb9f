// Stepper pulse schedule compression
//
// This package takes a series of scheduled stepper pulse times and
// compresses them into a handful of commands that can be efficiently
// transmitted and executed on a microcontroller (mcu). The mcu accepts
// step pulse commands that take interval, count, and add parameters
// such that 'count' pulses occur, with each step event calculating the
// next step event time using:
//
//	next_wake_time = last_wake_time + interval; interval += add
//
// Each pulse may be placed anywhere inside a per-step tolerance window;
// the search maximizes how many queued steps one command covers while
// keeping every reproduced pulse inside its window.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package stepcompress
