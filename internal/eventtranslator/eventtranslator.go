// Package eventtranslator implements spec.md §4.H: encoding an event into
// a shared region and posting it, or (in single-process mode) forwarding
// it directly to a local router without a serialization round trip.
//
// Grounded on the original Tekkotsu Events/EventTranslator.{h,cc}. The
// in-process variant's "re-inject without a wire hop" idea is the same
// one the teacher's inprocgrpc dependency exists to provide for RPC
// framing; robocore does not depend on inprocgrpc directly (there is no
// RPC surface here), but the shape of the idea — skip serialization when
// sender and receiver share an address space — is lifted from it.
package eventtranslator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kestrel-robotics/robocore/internal/logx"
	"github.com/kestrel-robotics/robocore/internal/msgqueue"
	"github.com/kestrel-robotics/robocore/internal/region"
)

// ClassID identifies an event's wire type, written as a 4-byte header
// ahead of its serialized payload (spec.md §7 "Event messages").
type ClassID uint32

// Event is anything that can be posted through a Translator.
type Event interface {
	ClassID() ClassID
	Marshal() ([]byte, error)
}

// Decoder reconstructs an Event of a known ClassID from its serialized
// payload (everything after the 4-byte header).
type Decoder func(payload []byte) (Event, error)

// ErrClassNotRegistered is returned by Decode when the header names an
// unknown ClassID.
var ErrClassNotRegistered = errors.New("eventtranslator: class id not registered")

// ErrMalformedPayload is returned by Decode when the buffer is too short
// to contain even the class-id header.
var ErrMalformedPayload = errors.New("eventtranslator: malformed payload")

// Registry maps ClassIDs to Decoders, shared by every Translator that
// needs to decode (typically the receiving side).
type Registry struct {
	mu       sync.RWMutex
	decoders map[ClassID]Decoder
}

// NewRegistry constructs an empty class-id registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[ClassID]Decoder)}
}

// Register binds id to dec, overwriting any previous binding.
func (r *Registry) Register(id ClassID, dec Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[id] = dec
}

// Decode reads the class-id header from buf, looks up its Decoder, and
// decodes the remainder. Per spec.md §4.H: an unregistered class id or a
// too-short buffer logs (by the caller) and returns a nil Event and a
// non-nil error rather than panicking.
func (r *Registry) Decode(buf []byte) (Event, error) {
	if len(buf) < 4 {
		return nil, ErrMalformedPayload
	}
	id := ClassID(binary.LittleEndian.Uint32(buf[:4]))
	r.mu.RLock()
	dec, ok := r.decoders[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrClassNotRegistered, id)
	}
	ev, err := dec(buf[4:])
	if err != nil {
		return nil, fmt.Errorf("eventtranslator: decode class %d: %w", id, err)
	}
	return ev, nil
}

// Translator is implemented by both the no-op (in-process) and IPC
// variants.
type Translator interface {
	Encode(ev Event, onlyReady bool) error
}

// NoopTranslator re-injects events into a local router function, used
// when sender and receiver share one process (single-process mode) —
// no serialization, no region allocation.
type NoopTranslator struct {
	route func(Event)
}

// NewNoopTranslator constructs a Translator that calls route synchronously
// for every encoded event.
func NewNoopTranslator(route func(Event)) *NoopTranslator {
	return &NoopTranslator{route: route}
}

// Encode ignores onlyReady (there is no backlog concept without a queue)
// and forwards ev directly.
func (t *NoopTranslator) Encode(ev Event, onlyReady bool) error {
	t.route(ev)
	return nil
}

// IPCTranslator allocates a ReferenceCountedRegion sized exactly for the
// event's header+payload, writes both, and posts the region on a
// configured MessageQueue (spec.md §4.H, "IPC" variant).
type IPCTranslator struct {
	rm  *region.Manager
	q   *msgqueue.Queue
	log zerolog.Logger
}

// NewIPCTranslator constructs an IPC-backed Translator posting to q.
func NewIPCTranslator(rm *region.Manager, q *msgqueue.Queue, log zerolog.Logger) *IPCTranslator {
	return &IPCTranslator{rm: rm, q: q, log: logx.Component(log, "eventtranslator")}
}

// Encode serializes ev, writes a 4-byte class-id header ahead of the
// payload into a freshly allocated region, and posts it. If onlyReady is
// set, nothing at all is posted (and nil is returned) unless every
// currently registered receiver's cursor is caught up to the queue's
// newest entry — avoiding piling more work onto a backlogged receiver.
func (t *IPCTranslator) Encode(ev Event, onlyReady bool) error {
	payload, err := ev.Marshal()
	if err != nil {
		t.log.Error().Err(err).Msg("eventtranslator: marshal failed, posting error marker")
		return t.postErrorMarker()
	}

	if onlyReady && !t.allReceiversReady() {
		return nil
	}

	total := 4 + len(payload)
	r, err := t.rm.CreateBySize(total)
	if err != nil {
		t.log.Error().Err(err).Int("size", total).Msg("eventtranslator: region allocation failed, posting error marker")
		return t.postErrorMarker()
	}
	buf := r.Base()
	binary.LittleEndian.PutUint32(buf[:4], uint32(ev.ClassID()))
	copy(buf[4:], payload)

	if _, err := t.q.SendMessage(r, true); err != nil {
		return fmt.Errorf("eventtranslator: post: %w", err)
	}
	return nil
}

func (t *IPCTranslator) allReceiversReady() bool {
	for _, id := range t.q.ReceiversSnapshot() {
		if !t.q.OnlyReadyFor(id) {
			return false
		}
	}
	return true
}

// postErrorMarker posts a zero-length region so the receiver sees an
// explicit error marker instead of silence (spec.md §4.H failure modes).
func (t *IPCTranslator) postErrorMarker() error {
	r, err := t.rm.CreateBySize(0)
	if err != nil {
		return fmt.Errorf("eventtranslator: error marker allocation failed: %w", err)
	}
	_, err = t.q.SendMessage(r, true)
	return err
}
