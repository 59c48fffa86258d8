package exchange

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	headerSize   = 8
	maxPayloadMB = 64
	maxPayload   = maxPayloadMB * 1024 * 1024

	// MaxEnvelopeSize is the largest commit envelope a response frame can
	// carry. The rest of the payload budget covers hash, seq and tags.
	MaxEnvelopeSize = maxPayload - 1024
)

// SerializeFrame encodes f for datagram style delivery.
// Wire format:
// [4B type big-endian uint32]
// [4B payload length big-endian uint32]
// [N bytes payload]
func SerializeFrame(f Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	payload := MarshalPayload(f)
	if len(payload) > maxPayload {
		return nil, fmt.Errorf(
			"payload exceeds %dMB limit",
			maxPayloadMB,
		)
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(f.Type))
	// #nosec G115 -- bounded by maxPayload above.
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf, nil
}

// DeserializeFrame decodes bytes produced by SerializeFrame.
func DeserializeFrame(data []byte) (Frame, error) {
	if len(data) < headerSize {
		return Frame{}, fmt.Errorf("%w: data too short for header", ErrMalformed)
	}
	payloadLen := binary.BigEndian.Uint32(data[4:8])
	if int(payloadLen) != len(data)-headerSize {
		return Frame{}, fmt.Errorf(
			"%w: payload length %d does not match data length %d",
			ErrMalformed,
			payloadLen,
			len(data)-headerSize,
		)
	}
	return UnmarshalPayload(FrameType(binary.BigEndian.Uint32(data[:4])), data[headerSize:])
}

// WriteFrame writes one length-prefixed frame to w in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := SerializeFrame(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame. A clean end of stream
// between frames is returned as io.EOF.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read header: %w", err)
	}
	frameType := FrameType(binary.BigEndian.Uint32(hdr[:4]))
	payloadLen := binary.BigEndian.Uint32(hdr[4:])
	if payloadLen > maxPayload {
		return Frame{}, fmt.Errorf(
			"%w: payload length %d exceeds %dMB limit",
			ErrMalformed,
			payloadLen,
			maxPayloadMB,
		)
	}
	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read payload: %w", err)
		}
	}
	return UnmarshalPayload(frameType, payload)
}
