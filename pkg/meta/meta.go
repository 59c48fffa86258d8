// Package meta holds the metadata envelope stored in front of every commit
// body and the normalization of parent references.
package meta

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultKey is the key under which keyless commits are indexed.
const DefaultKey = "_default"

// maxHeaderSize bounds the metadata line when splitting an envelope.
const maxHeaderSize = 16 * 1024 * 1024

var ErrMalformedHeader = errors.New("meta: malformed header")

// Ref points at a parent commit. Key is an optional hint naming the key the
// parent lives under.
type Ref struct {
	Hash string
	Key  string
}

// MarshalJSON writes a bare hash string when there is no key hint.
func (r Ref) MarshalJSON() ([]byte, error) {
	if r.Key == "" {
		return json.Marshal(r.Hash)
	}
	return json.Marshal(map[string]string{"hash": r.Hash, "key": r.Key})
}

// Metadata is the non-body part of a commit.
type Metadata struct {
	Key    string
	Prev   []Ref
	Fields map[string]any
}

func (m Metadata) KeyOrDefault() string {
	if m.Key == "" {
		return DefaultKey
	}
	return m.Key
}

func (m Metadata) PrevHashes() []string {
	hashes := make([]string, 0, len(m.Prev))
	for _, r := range m.Prev {
		hashes = append(hashes, r.Hash)
	}
	return hashes
}

// MarshalJSON produces canonical JSON: object keys sorted, "key" omitted for
// keyless commits, "prev" always present.
func (m Metadata) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(m.Fields)+2)
	for k, v := range m.Fields {
		if k == "key" || k == "prev" {
			continue
		}
		obj[k] = v
	}
	if m.Key != "" {
		obj["key"] = m.Key
	}
	prev := m.Prev
	if prev == nil {
		prev = []Ref{}
	}
	obj["prev"] = prev
	return json.Marshal(obj)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("%w: not an object", ErrMalformedHeader)
	}

	out := Metadata{}
	if k, ok := obj["key"]; ok {
		s, isString := k.(string)
		if !isString {
			return fmt.Errorf("%w: key is %T", ErrMalformedHeader, k)
		}
		out.Key = s
	}
	out.Prev = NormalizeRefs(obj["prev"])
	delete(obj, "key")
	delete(obj, "prev")
	if len(obj) > 0 {
		out.Fields = obj
	}
	*m = out
	return nil
}

// NormalizeRefs turns the loose prev shapes accepted from callers into refs:
// a bare hash, an object with "hash" (and optionally "key"), a Ref, or a list
// of any of those. Entries without a usable hash are dropped.
func NormalizeRefs(v any) []Ref {
	refs := []Ref{}
	var add func(v any)
	add = func(v any) {
		switch x := v.(type) {
		case nil:
		case string:
			if x != "" {
				refs = append(refs, Ref{Hash: x})
			}
		case Ref:
			if x.Hash != "" {
				refs = append(refs, x)
			}
		case *Ref:
			if x != nil && x.Hash != "" {
				refs = append(refs, *x)
			}
		case map[string]any:
			h, _ := x["hash"].(string)
			if h == "" {
				return
			}
			k, _ := x["key"].(string)
			refs = append(refs, Ref{Hash: h, Key: k})
		case map[string]string:
			if x["hash"] != "" {
				refs = append(refs, Ref{Hash: x["hash"], Key: x["key"]})
			}
		case []Ref:
			for _, r := range x {
				add(r)
			}
		case []string:
			for _, s := range x {
				add(s)
			}
		case []any:
			for _, e := range x {
				add(e)
			}
		}
	}
	add(v)
	return refs
}

// ParseRef reads a ref given on the command line: either "hash" or
// "key:hash".
func ParseRef(s string) Ref {
	if i := strings.LastIndexByte(s, ':'); i > 0 {
		return Ref{Key: s[:i], Hash: s[i+1:]}
	}
	return Ref{Hash: s}
}

// EncodeHeader returns the header line written in front of a body.
func EncodeHeader(m Metadata) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return append(b, '\n'), nil
}

// DecodeHeader parses a header line with or without its trailing newline.
func DecodeHeader(line []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(bytes.TrimRight(line, "\n"), &m); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return m, nil
}

// SplitEnvelope reads the header line from r and returns the metadata and a
// reader positioned at the start of the body.
func SplitEnvelope(r io.Reader) (Metadata, io.Reader, error) {
	br := bufio.NewReader(r)
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxHeaderSize {
			return Metadata{}, nil, fmt.Errorf("%w: header exceeds %d bytes", ErrMalformedHeader, maxHeaderSize)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return Metadata{}, nil, fmt.Errorf("%w: missing header terminator", ErrMalformedHeader)
		}
		return Metadata{}, nil, err
	}
	m, err := DecodeHeader(line)
	if err != nil {
		return Metadata{}, nil, err
	}
	return m, br, nil
}
