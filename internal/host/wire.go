package host

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Every frame message is a 16-byte big-endian header followed by the
// JPEG payload:
//
//	[8 PTS ns][4 duration µs][4 payload length][payload]
const (
	headerSize     = 16
	maxPayloadSize = 1 << 20
)

type FrameHeader struct {
	PTS      time.Duration
	Duration time.Duration
}

// AppendFrame appends a framed payload to dst.
func AppendFrame(dst []byte, h FrameHeader, payload []byte) ([]byte, error) {
	if len(payload) > maxPayloadSize {
		return dst, fmt.Errorf("frame too large: %d > %d", len(payload), maxPayloadSize)
	}
	dst = binary.BigEndian.AppendUint64(dst, uint64(h.PTS))
	dst = binary.BigEndian.AppendUint32(dst, uint32(h.Duration/time.Microsecond))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// ParseFrame splits one message into header and payload.
func ParseFrame(msg []byte) (FrameHeader, []byte, error) {
	if len(msg) < headerSize {
		return FrameHeader{}, nil, fmt.Errorf("short frame: %d bytes", len(msg))
	}
	h := FrameHeader{
		PTS:      time.Duration(binary.BigEndian.Uint64(msg[0:8])),
		Duration: time.Duration(binary.BigEndian.Uint32(msg[8:12])) * time.Microsecond,
	}
	n := binary.BigEndian.Uint32(msg[12:16])
	if int(n) != len(msg)-headerSize {
		return FrameHeader{}, nil, fmt.Errorf("invalid frame length: header says %d, have %d", n, len(msg)-headerSize)
	}
	return h, msg[headerSize:], nil
}

// WriteFrame writes one framed payload to a stream.
func WriteFrame(w io.Writer, h FrameHeader, payload []byte) error {
	msg, err := AppendFrame(make([]byte, 0, headerSize+len(payload)), h, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(msg)
	return err
}

// ReadFrame reads one framed payload from a stream.
func ReadFrame(r io.Reader) (FrameHeader, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return FrameHeader{}, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[12:16])
	if n > maxPayloadSize {
		return FrameHeader{}, nil, fmt.Errorf("invalid frame length: %d", n)
	}
	msg := make([]byte, headerSize+int(n))
	copy(msg, hdr[:])
	if _, err := io.ReadFull(r, msg[headerSize:]); err != nil {
		return FrameHeader{}, nil, err
	}
	return ParseFrame(msg)
}
