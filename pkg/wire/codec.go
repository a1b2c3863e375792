// Package wire is the binary codec for the sync channel: update deltas,
// state vectors, full-state payloads and the type-tagged frames that carry
// them. Encoding/decoding is a pure transformation with no side effects.
//
// Forward compatibility rules: every operation body is length-prefixed so
// decoders can skip operation kinds they do not know, trailing bytes inside
// a known body are preserved as an opaque extension, and unknown frame tags
// are ignored by receivers rather than treated as errors.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"notesync/pkg/crdt"
)

// ErrMalformedUpdate reports a payload whose lengths or ids are
// inconsistent. The offending frame is dropped; the connection survives.
var ErrMalformedUpdate = errors.New("wire: malformed update")

// codecVersion is the first byte of every encoded update.
const codecVersion byte = 1

// Frame type tags. A frame is one tag byte followed by the payload.
const (
	FrameStateRequest  byte = 0x01 // payload: state vector
	FrameStateResponse byte = 0x02 // payload: state payload (update + awareness)
	FrameUpdate        byte = 0x03 // payload: update
	FrameAwareness     byte = 0x04 // payload: awareness entry
	FrameHeartbeat     byte = 0x05 // payload: empty
	FrameRejected      byte = 0x06 // payload: empty; write denied notice
)

type writer struct{ b []byte }

func (w *writer) uvarint(v uint64) { w.b = binary.AppendUvarint(w.b, v) }
func (w *writer) bytes(p []byte) {
	w.uvarint(uint64(len(p)))
	w.b = append(w.b, p...)
}
func (w *writer) str(s string) { w.bytes([]byte(s)) }
func (w *writer) id(id crdt.ID) {
	w.str(id.Site)
	w.uvarint(id.Counter)
}

type reader struct{ b []byte }

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.b)
	if n <= 0 {
		return 0, ErrMalformedUpdate
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.b)) {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d", ErrMalformedUpdate, n, len(r.b))
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out, nil
}

func (r *reader) str() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

func (r *reader) id() (crdt.ID, error) {
	site, err := r.str()
	if err != nil {
		return crdt.ID{}, err
	}
	c, err := r.uvarint()
	if err != nil {
		return crdt.ID{}, err
	}
	return crdt.ID{Site: site, Counter: c}, nil
}

// EncodeUpdate serializes an update delta.
func EncodeUpdate(u *crdt.Update) []byte {
	w := &writer{b: make([]byte, 0, 16+len(u.Ops)*12)}
	w.b = append(w.b, codecVersion)
	w.str(u.Site)
	w.uvarint(uint64(len(u.Ops)))
	for _, op := range u.Ops {
		w.b = append(w.b, byte(op.Kind))
		body := &writer{}
		body.id(op.ID)
		switch op.Kind {
		case crdt.OpInsert:
			body.id(op.Origin)
			body.uvarint(uint64(op.Ch))
		case crdt.OpDelete:
			body.id(op.Target)
		}
		body.b = append(body.b, op.Ext...)
		w.bytes(body.b)
	}
	return w.b
}

// DecodeUpdate parses an update delta. Operations of unknown kind are
// skipped; unrecognized trailing bytes of known operations are retained in
// Op.Ext so re-broadcasting preserves them.
func DecodeUpdate(b []byte) (*crdt.Update, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	if b[0] != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, b[0])
	}
	r := &reader{b: b[1:]}
	site, err := r.str()
	if err != nil {
		return nil, err
	}
	nops, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if nops > uint64(len(r.b)) {
		// each op takes at least one byte; bail before allocating
		return nil, fmt.Errorf("%w: op count %d exceeds payload", ErrMalformedUpdate, nops)
	}
	u := &crdt.Update{Site: site}
	for i := uint64(0); i < nops; i++ {
		if len(r.b) == 0 {
			return nil, fmt.Errorf("%w: truncated op list", ErrMalformedUpdate)
		}
		kind := crdt.OpKind(r.b[0])
		r.b = r.b[1:]
		body, err := r.bytes()
		if err != nil {
			return nil, err
		}
		br := &reader{b: body}
		op := crdt.Op{Kind: kind}
		op.ID, err = br.id()
		if err != nil {
			return nil, err
		}
		switch kind {
		case crdt.OpInsert:
			if op.Origin, err = br.id(); err != nil {
				return nil, err
			}
			ch, err := br.uvarint()
			if err != nil {
				return nil, err
			}
			op.Ch = rune(ch)
		case crdt.OpDelete:
			if op.Target, err = br.id(); err != nil {
				return nil, err
			}
		default:
			// future operation kind: skip its body, keep decoding
			continue
		}
		if len(br.b) > 0 {
			op.Ext = append([]byte(nil), br.b...)
		}
		u.Ops = append(u.Ops, op)
	}
	return u, nil
}

// EncodeStateVector serializes a state vector.
func EncodeStateVector(sv crdt.StateVector) []byte {
	w := &writer{}
	w.uvarint(uint64(len(sv)))
	for site, c := range sv {
		w.str(site)
		w.uvarint(c)
	}
	return w.b
}

// DecodeStateVector parses a state vector. An empty payload is a valid
// empty vector (a cold client requesting full state).
func DecodeStateVector(b []byte) (crdt.StateVector, error) {
	sv := crdt.StateVector{}
	if len(b) == 0 {
		return sv, nil
	}
	r := &reader{b: b}
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		site, err := r.str()
		if err != nil {
			return nil, err
		}
		c, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		sv[site] = c
	}
	return sv, nil
}

// AwarenessEntry is one participant's encoded presence state. Empty Data
// means removal.
type AwarenessEntry struct {
	ID   string
	Data []byte
}

// EncodeAwareness serializes a single awareness entry.
func EncodeAwareness(e AwarenessEntry) []byte {
	w := &writer{}
	w.str(e.ID)
	w.bytes(e.Data)
	return w.b
}

// DecodeAwareness parses a single awareness entry.
func DecodeAwareness(b []byte) (AwarenessEntry, error) {
	r := &reader{b: b}
	id, err := r.str()
	if err != nil {
		return AwarenessEntry{}, err
	}
	data, err := r.bytes()
	if err != nil {
		return AwarenessEntry{}, err
	}
	e := AwarenessEntry{ID: id}
	if len(data) > 0 {
		e.Data = append([]byte(nil), data...)
	}
	return e, nil
}

// StatePayload is the full-state exchange body: the document diff the
// receiver is missing plus every live awareness record.
type StatePayload struct {
	Update    []byte
	Awareness []AwarenessEntry
}

// EncodeStatePayload serializes a full-state response.
func EncodeStatePayload(p StatePayload) []byte {
	w := &writer{}
	w.bytes(p.Update)
	w.uvarint(uint64(len(p.Awareness)))
	for _, e := range p.Awareness {
		w.str(e.ID)
		w.bytes(e.Data)
	}
	return w.b
}

// DecodeStatePayload parses a full-state response.
func DecodeStatePayload(b []byte) (StatePayload, error) {
	r := &reader{b: b}
	upd, err := r.bytes()
	if err != nil {
		return StatePayload{}, err
	}
	p := StatePayload{Update: append([]byte(nil), upd...)}
	n, err := r.uvarint()
	if err != nil {
		return StatePayload{}, err
	}
	for i := uint64(0); i < n; i++ {
		id, err := r.str()
		if err != nil {
			return StatePayload{}, err
		}
		data, err := r.bytes()
		if err != nil {
			return StatePayload{}, err
		}
		p.Awareness = append(p.Awareness, AwarenessEntry{ID: id, Data: append([]byte(nil), data...)})
	}
	return p, nil
}

// Frame prepends the type tag to a payload.
func Frame(tag byte, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, tag)
	return append(out, payload...)
}

// SplitFrame separates the tag byte from the payload. Only emptiness is an
// error; unknown tags are the receiver's business (they ignore them).
func SplitFrame(b []byte) (tag byte, payload []byte, err error) {
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("%w: empty frame", ErrMalformedUpdate)
	}
	return b[0], b[1:], nil
}
