package core

// FieldSize is the encoded width of one tick in a payload.
const FieldSize = 5

// ErrorFrameSize is the length of the explicit error frame.
const ErrorFrameSize = 10

// EncodeTicks packs ticks into contiguous 5-byte big-endian fields.
func EncodeTicks(ticks ...Tick) []byte {
	buf := make([]byte, len(ticks)*FieldSize)
	for i, t := range ticks {
		v := uint64(t) & TickMask
		j := i * FieldSize
		buf[j] = byte(v >> 32)
		buf[j+1] = byte(v >> 24)
		buf[j+2] = byte(v >> 16)
		buf[j+3] = byte(v >> 8)
		buf[j+4] = byte(v)
	}
	return buf
}

// DecodeTicks unpacks every complete 5-byte field in payload. A trailing
// partial field is ignored.
func DecodeTicks(payload []byte) []Tick {
	n := len(payload) / FieldSize
	out := make([]Tick, n)
	for i := 0; i < n; i++ {
		j := i * FieldSize
		out[i] = Tick(uint64(payload[j])<<32 |
			uint64(payload[j+1])<<24 |
			uint64(payload[j+2])<<16 |
			uint64(payload[j+3])<<8 |
			uint64(payload[j+4]))
	}
	return out
}

// ErrorFrame returns the fixed all-0xFF frame sent to signal a fault.
func ErrorFrame() []byte {
	buf := make([]byte, ErrorFrameSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	return buf
}

// IsErrorPayload reports whether the first field of payload is the sentinel.
// Empty payloads are not errors.
func IsErrorPayload(payload []byte) bool {
	fields := DecodeTicks(payload)
	return len(fields) > 0 && fields[0].IsSentinel()
}

// Field returns field i of fields, or the sentinel when the payload was too
// short to carry it.
func Field(fields []Tick, i int) Tick {
	if i < 0 || i >= len(fields) {
		return SentinelTick
	}
	return fields[i]
}
