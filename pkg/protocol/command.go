package protocol

// EncodeCommandData VLQ-encodes a raw command vector (message tag
// followed by its arguments) into a frame payload. Each value is
// encoded through its signed 32-bit view, matching how the MCU decodes
// negative arguments such as a queue_step 'add'.
func EncodeCommandData(data []uint32) []byte {
	out := make([]byte, 0, len(data)*2)
	for _, v := range data {
		EncodeUint32(&out, int32(v))
	}
	return out
}

// DecodeCommandData decodes a frame payload back into its command
// vector. Used by tests and the offline simulator; the real MCU is the
// usual consumer of these bytes.
func DecodeCommandData(payload []byte) []uint32 {
	out := []uint32{}
	pos := 0
	for pos < len(payload) {
		var v int32
		v, pos = DecodeUint32(payload, pos)
		out = append(out, uint32(v))
	}
	return out
}
