// Ordered command transmission to the MCU
//
// The compression core hands finished command batches to a SerialQueue
// and never touches them again. The queue frames each command into a
// message block, assigns sequence numbers, and writes frames to the
// wire from a single background goroutine so that batches from
// different callers never interleave mid-frame.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package serialqueue

import (
	"io"
	"sync"

	"stepperhost/pkg/errors"
	"stepperhost/pkg/log"
	"stepperhost/pkg/metrics"
	"stepperhost/pkg/pool"
	"stepperhost/pkg/protocol"
)

// MaxClock is the largest representable MCU clock value.
const MaxClock = ^uint64(0)

// Message is one encoded MCU command awaiting transmission.
//
// MinClock is overloaded the same way the firmware protocol expects:
// while a message sits in a stepper's pending list it holds the clock
// at which the command's move-queue slot frees (zero for commands that
// use no slot); the synchronizer rewrites it to the earliest allowable
// transmit clock before hand-off.
type Message struct {
	Payload  []byte
	MinClock uint64
	ReqClock uint64
}

var messagePool = sync.Pool{
	New: func() any { return new(Message) },
}

// AllocAndEncode builds a Message from a raw command vector (message
// tag followed by arguments), VLQ-encoding it into the frame payload.
func AllocAndEncode(data []uint32) *Message {
	m := messagePool.Get().(*Message)
	m.Payload = protocol.EncodeCommandData(data)
	m.MinClock = 0
	m.ReqClock = 0
	return m
}

// Release returns a transmitted message to the allocation pool.
func Release(m *Message) {
	if m == nil {
		return
	}
	m.Payload = nil
	messagePool.Put(m)
}

// CommandQueue identifies one producer of ordered command batches.
type CommandQueue struct {
	name string
}

// SerialQueue frames and transmits command batches in FIFO order.
type SerialQueue struct {
	w      io.Writer
	logger *log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Message
	seq     int
	closed  bool
	err     error

	done chan struct{}

	batchesTotal  *metrics.Counter
	messagesTotal *metrics.Counter
	bytesTotal    *metrics.Counter
}

// New creates a SerialQueue writing frames to w (a serial.Port or any
// test sink) and starts its background writer.
func New(w io.Writer) *SerialQueue {
	sq := &SerialQueue{
		w:             w,
		logger:        log.New("serialqueue"),
		done:          make(chan struct{}),
		batchesTotal:  metrics.NewCounter("serialqueue_batches_total", "Command batches accepted"),
		messagesTotal: metrics.NewCounter("serialqueue_messages_total", "Commands transmitted"),
		bytesTotal:    metrics.NewCounter("serialqueue_bytes_total", "Frame bytes written"),
	}
	sq.cond = sync.NewCond(&sq.mu)
	go sq.writer()
	return sq
}

// AllocCommandQueue creates a new producer handle.
func (sq *SerialQueue) AllocCommandQueue(name string) *CommandQueue {
	return &CommandQueue{name: name}
}

// SendBatch appends an ordered batch of messages for transmission.
// Safe for concurrent use; messages within a batch stay contiguous and
// ordered. Ownership of the messages passes to the queue.
func (sq *SerialQueue) SendBatch(cq *CommandQueue, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.closed {
		return errors.TransportError("send_batch", io.ErrClosedPipe)
	}
	if sq.err != nil {
		return errors.TransportError("send_batch", sq.err)
	}
	sq.pending = append(sq.pending, msgs...)
	sq.batchesTotal.Inc()
	sq.cond.Signal()
	return nil
}

// writer drains pending messages, framing and writing each in order.
func (sq *SerialQueue) writer() {
	defer close(sq.done)
	for {
		sq.mu.Lock()
		for len(sq.pending) == 0 && !sq.closed && sq.err == nil {
			sq.cond.Wait()
		}
		if sq.err != nil || (sq.closed && len(sq.pending) == 0) {
			sq.mu.Unlock()
			return
		}
		batch := sq.pending
		sq.pending = nil
		seq := sq.seq
		sq.seq += len(batch)
		sq.mu.Unlock()

		for i, m := range batch {
			buf := pool.GetByteBuffer()
			buf.Write(protocol.EncodeMsgblock(seq+i, m.Payload))
			n, err := sq.w.Write(buf.Bytes())
			pool.PutByteBuffer(buf)
			sq.messagesTotal.Inc()
			sq.bytesTotal.Add(uint64(n))
			Release(m)
			if err != nil {
				sq.logger.WithField("error", err).Error("frame write failed")
				sq.mu.Lock()
				sq.err = err
				sq.mu.Unlock()
				return
			}
		}
	}
}

// Err returns the sticky transport error, if any.
func (sq *SerialQueue) Err() error {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.err != nil {
		return errors.TransportError("write", sq.err)
	}
	return nil
}

// Close drains queued messages and stops the writer.
func (sq *SerialQueue) Close() error {
	sq.mu.Lock()
	if sq.closed {
		sq.mu.Unlock()
		<-sq.done
		return sq.Err()
	}
	sq.closed = true
	sq.cond.Signal()
	sq.mu.Unlock()
	<-sq.done
	return sq.Err()
}
