// Package buffer implements MessageBuffer, the id-tagged outbound log that
// backs BufferedResendConnection's resend semantics.
package buffer

import (
	"fmt"
	"sync"

	"github.com/kuuji/robustws/pkg/wire"
)

// RangeError is returned by Discard and GetMessagesFrom when the requested
// id falls outside [floorID, nextID]. BufferedResendConnection picks its
// close code by which frame failed, 3007 (CONTINUE) or 3008 (ACK), not by
// the error's type.
type RangeError struct {
	Op       string
	Want     uint64
	FloorID  uint64
	NextID   uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("buffer: %s(%d) out of range [%d, %d]", e.Op, e.Want, e.FloorID, e.NextID)
}

type record struct {
	id      uint64
	wire    string
}

// Buffer is a dense, ordered sequence of (id, wireMessage) records. IDs are
// consecutive non-negative integers starting at 0; Discard only ever drops
// a contiguous prefix, so there are never gaps between floorID and the
// highest stored id.
//
// A Buffer is safe for concurrent use; RobustConnection's single-threaded
// cooperative model means this is normally uncontended, but the
// physical connection's read loop (delivering ACK/CONTINUE) and the
// consumer's own goroutine calling Send race in a preemptive runtime.
type Buffer struct {
	mu      sync.Mutex
	floorID uint64 // lowest id still stored (if records is non-empty)
	nextID  uint64 // id that will be assigned to the next Write
	records []record
}

// New returns an empty Buffer, ready to assign ids starting at 0.
func New() *Buffer {
	return &Buffer{}
}

// Write assigns payload the next id, stores it, and returns the wire-format
// string a physical connection sends over the network.
func (b *Buffer) Write(payload string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	msg := wire.Tag(id, payload)
	b.records = append(b.records, record{id: id, wire: msg})
	return msg
}

// Discard drops every record with id < firstUnseenID and returns the count
// dropped. firstUnseenID must be in [floorID, nextID]; anything else is a
// RangeError.
func (b *Buffer) Discard(firstUnseenID uint64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if firstUnseenID > b.nextID || firstUnseenID < b.floorID {
		return 0, &RangeError{Op: "discard", Want: firstUnseenID, FloorID: b.floorID, NextID: b.nextID}
	}

	cut := 0
	for cut < len(b.records) && b.records[cut].id < firstUnseenID {
		cut++
	}
	dropped := cut
	b.records = b.records[cut:]
	b.floorID = firstUnseenID
	return dropped, nil
}

// GetMessagesFrom returns, in order, the wire-format records with
// id >= firstUnseenID. firstUnseenID must be in [floorID, nextID].
func (b *Buffer) GetMessagesFrom(firstUnseenID uint64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if firstUnseenID > b.nextID || firstUnseenID < b.floorID {
		return nil, &RangeError{Op: "getMessagesFrom", Want: firstUnseenID, FloorID: b.floorID, NextID: b.nextID}
	}

	out := make([]string, 0, len(b.records))
	for _, r := range b.records {
		if r.id >= firstUnseenID {
			out = append(out, r.wire)
		}
	}
	return out, nil
}

// Len returns the number of records currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// FloorID returns the lowest id a caller may still Discard/GetMessagesFrom to.
func (b *Buffer) FloorID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.floorID
}

// NextID returns the id that will be assigned to the next Write.
func (b *Buffer) NextID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID
}
