package stepcompress

import (
	"stepperhost/pkg/protocol"
	"stepperhost/pkg/serialqueue"
)

// decodeMsg decodes a pending message's payload back into its command
// vector.
func decodeMsg(m *serialqueue.Message) []uint32 {
	return protocol.DecodeCommandData(m.Payload)
}

// tags used by every test stepper
const (
	testQueueStepTag      = 11
	testSetNextStepDirTag = 12
)
