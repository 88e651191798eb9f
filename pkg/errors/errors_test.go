package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestStepInvalidSequenceError(t *testing.T) {
	err := StepInvalidSequenceError(3, 1000, 10, -100, "Invalid sequence")
	if !strings.Contains(err.Error(), "o=3 i=1000 c=10 a=-100") {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if err.Code != ErrStepInvalidSequence {
		t.Errorf("unexpected code: %s", err.Code)
	}
	if err.Context["oid"] != uint32(3) {
		t.Errorf("missing oid context: %+v", err.Context)
	}
}

func TestWrapAndIs(t *testing.T) {
	inner := fmt.Errorf("write: broken pipe")
	err := TransportError("send_batch", inner)
	if !Is(err, ErrTransport) {
		t.Errorf("Is(ErrTransport) = false")
	}
	if Is(err, ErrStepQueue) {
		t.Errorf("Is(ErrStepQueue) = true")
	}
	if err.Unwrap() != inner {
		t.Errorf("Unwrap lost inner error")
	}

	outer := Wrap(err, ErrRuntime, "flush failed")
	if !Is(outer, ErrTransport) {
		t.Errorf("Is should walk the chain")
	}
}
