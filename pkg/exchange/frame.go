// Package exchange carries the replication protocol between two stores. It
// defines the typed frames, their wire encoding and the transports that move
// them.
package exchange

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("exchange: malformed frame")

type FrameType uint32

const (
	FrameHello FrameType = iota + 1
	FrameSince
	FrameAvailable
	FrameRequest
	FrameResponse
	FrameSeen
	FrameSync
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameSince:
		return "since"
	case FrameAvailable:
		return "available"
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameSeen:
		return "seen"
	case FrameSync:
		return "sync"
	}
	return fmt.Sprintf("frame(%d)", uint32(t))
}

// Mode is the replication direction a session declares in its hello.
type Mode uint8

const (
	ModeSync Mode = iota
	ModePush
	ModePull
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModePush:
		return "push"
	case ModePull:
		return "pull"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

func (m Mode) valid() bool {
	return m <= ModePull
}

// ParseMode accepts "push", "pull", "sync" and the empty string (sync).
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "sync":
		return ModeSync, nil
	case "push":
		return ModePush, nil
	case "pull":
		return ModePull, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Advert names one commit a peer can provide, with its local sequence.
type Advert struct {
	Seq  uint64
	Hash string
}

// Frame is one protocol message. Which fields are meaningful depends on Type.
type Frame struct {
	Type FrameType

	ID   string // hello
	Mode Mode   // hello

	Seq uint64 // since, response, seen, sync

	Entries []Advert // available; empty marks the end of the advertisements
	Hashes  []string // request

	Hash     string // response, seen
	Data     []byte // response
	Withheld bool   // response: the peer will not send this commit
}

func Hello(id string, mode Mode) Frame { return Frame{Type: FrameHello, ID: id, Mode: mode} }
func Since(seq uint64) Frame           { return Frame{Type: FrameSince, Seq: seq} }
func Available(entries []Advert) Frame { return Frame{Type: FrameAvailable, Entries: entries} }
func Request(hashes []string) Frame    { return Frame{Type: FrameRequest, Hashes: hashes} }
func Seen(hash string, seq uint64) Frame {
	return Frame{Type: FrameSeen, Hash: hash, Seq: seq}
}
func Sync(seq uint64) Frame { return Frame{Type: FrameSync, Seq: seq} }

func Response(hash string, seq uint64, data []byte) Frame {
	return Frame{Type: FrameResponse, Hash: hash, Seq: seq, Data: data}
}

func Withheld(hash string) Frame {
	return Frame{Type: FrameResponse, Hash: hash, Withheld: true}
}

const (
	fieldID       protowire.Number = 1
	fieldMode     protowire.Number = 2
	fieldSeq      protowire.Number = 3
	fieldEntries  protowire.Number = 4
	fieldHashes   protowire.Number = 5
	fieldHash     protowire.Number = 6
	fieldData     protowire.Number = 7
	fieldWithheld protowire.Number = 8

	fieldAdvertSeq  protowire.Number = 1
	fieldAdvertHash protowire.Number = 2
)

// MarshalPayload encodes the fields of f, without its type.
func MarshalPayload(f Frame) []byte {
	var b []byte
	if f.ID != "" {
		b = protowire.AppendTag(b, fieldID, protowire.BytesType)
		b = protowire.AppendString(b, f.ID)
	}
	if f.Mode != ModeSync {
		b = protowire.AppendTag(b, fieldMode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Mode))
	}
	if f.Seq != 0 {
		b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, f.Seq)
	}
	for _, e := range f.Entries {
		var nested []byte
		nested = protowire.AppendTag(nested, fieldAdvertSeq, protowire.VarintType)
		nested = protowire.AppendVarint(nested, e.Seq)
		nested = protowire.AppendTag(nested, fieldAdvertHash, protowire.BytesType)
		nested = protowire.AppendString(nested, e.Hash)

		b = protowire.AppendTag(b, fieldEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	}
	for _, h := range f.Hashes {
		b = protowire.AppendTag(b, fieldHashes, protowire.BytesType)
		b = protowire.AppendString(b, h)
	}
	if f.Hash != "" {
		b = protowire.AppendTag(b, fieldHash, protowire.BytesType)
		b = protowire.AppendString(b, f.Hash)
	}
	if len(f.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Data)
	}
	if f.Withheld {
		b = protowire.AppendTag(b, fieldWithheld, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// UnmarshalPayload decodes a payload of the given type and checks that the
// fields the type requires are present. Unknown fields are skipped.
func UnmarshalPayload(t FrameType, b []byte) (Frame, error) {
	f := Frame{Type: t}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: %s: bad tag: %v", ErrMalformed, t, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldID && typ == protowire.BytesType:
			f.ID, n = protowire.ConsumeString(b)
		case num == fieldMode && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			f.Mode = Mode(v)
			if v > uint64(ModePull) {
				return Frame{}, fmt.Errorf("%w: %s: unknown mode %d", ErrMalformed, t, v)
			}
		case num == fieldSeq && typ == protowire.VarintType:
			f.Seq, n = protowire.ConsumeVarint(b)
		case num == fieldEntries && typ == protowire.BytesType:
			var nested []byte
			nested, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				e, err := unmarshalAdvert(nested)
				if err != nil {
					return Frame{}, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
				}
				f.Entries = append(f.Entries, e)
			}
		case num == fieldHashes && typ == protowire.BytesType:
			var h string
			h, n = protowire.ConsumeString(b)
			f.Hashes = append(f.Hashes, h)
		case num == fieldHash && typ == protowire.BytesType:
			f.Hash, n = protowire.ConsumeString(b)
		case num == fieldData && typ == protowire.BytesType:
			var data []byte
			data, n = protowire.ConsumeBytes(b)
			f.Data = append([]byte(nil), data...)
		case num == fieldWithheld && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			f.Withheld = protowire.DecodeBool(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: %s: field %d: %v", ErrMalformed, t, num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func unmarshalAdvert(b []byte) (Advert, error) {
	var a Advert
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Advert{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldAdvertSeq && typ == protowire.VarintType:
			a.Seq, n = protowire.ConsumeVarint(b)
		case num == fieldAdvertHash && typ == protowire.BytesType:
			a.Hash, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Advert{}, protowire.ParseError(n)
		}
		b = b[n:]
	}
	if a.Hash == "" {
		return Advert{}, errors.New("advert without hash")
	}
	return a, nil
}

func (f Frame) validate() error {
	switch f.Type {
	case FrameHello:
		if f.ID == "" {
			return fmt.Errorf("%w: hello without id", ErrMalformed)
		}
		if !f.Mode.valid() {
			return fmt.Errorf("%w: hello with mode %d", ErrMalformed, f.Mode)
		}
	case FrameSince, FrameAvailable, FrameSync:
	case FrameRequest:
		for _, h := range f.Hashes {
			if h == "" {
				return fmt.Errorf("%w: request with empty hash", ErrMalformed)
			}
		}
	case FrameResponse, FrameSeen:
		if f.Hash == "" {
			return fmt.Errorf("%w: %s without hash", ErrMalformed, f.Type)
		}
	default:
		return fmt.Errorf("%w: unknown frame type %d", ErrMalformed, uint32(f.Type))
	}
	return nil
}
