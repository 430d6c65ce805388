// Package frame collects telemetry fragments until a frame is complete.
package frame

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/geometris/wq"
	"github.com/geometris/wq/parser"
)

type State int

const (
	Empty State = iota
	Accumulating
	Complete
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Accumulating:
		return "accumulating"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrEmptyFragment = errors.New("empty fragment")
	ErrNoHeader      = errors.New("fragment before fragment 0")
	ErrIncomplete    = errors.New("frame incomplete")
)

// Assembler holds the fragments of the frame in flight. It is not safe for
// concurrent use.
type Assembler struct {
	header  parser.Header
	packets map[byte][]byte
}

func New() *Assembler {
	a := &Assembler{}
	a.Reset()
	return a
}

// Submit stores one fragment. A fragment with an index already seen replaces
// the earlier one. Fragments are rejected while no fragment 0 has been seen,
// and when their index is past the end of the frame.
func (a *Assembler) Submit(b []byte) error {
	if len(b) == 0 {
		return ErrEmptyFragment
	}

	idx := parser.Index(b)
	if idx > 0 && len(a.packets) == 0 {
		return ErrNoHeader
	}

	if idx == 0 {
		h := parser.ParseHeader(b)
		if h != a.header {
			a.trim(h.Expected())
		}
		a.header = h
	}

	if n := a.header.Expected(); n > 0 && int(idx) >= n {
		return errors.Errorf("fragment %v outside frame of %v", idx, n)
	}

	p := make([]byte, len(b))
	copy(p, b)
	a.packets[idx] = p
	return nil
}

// trim drops fragments that do not fit a frame of n fragments.
func (a *Assembler) trim(n int) {
	for idx := range a.packets {
		if int(idx) >= n {
			delete(a.packets, idx)
		}
	}
}

// IsComplete reports whether every fragment of the frame has arrived.
func (a *Assembler) IsComplete() bool {
	n := a.header.Expected()
	return n > 0 && len(a.packets) >= n
}

func (a *Assembler) State() State {
	switch {
	case len(a.packets) == 0:
		return Empty
	case a.IsComplete():
		return Complete
	default:
		return Accumulating
	}
}

// Header returns the header of the frame in flight.
func (a *Assembler) Header() parser.Header {
	return a.header
}

// Received returns the number of distinct fragments held.
func (a *Assembler) Received() int {
	return len(a.packets)
}

// Decode decodes the complete frame without changing the assembler. See
// parser.Decode for the meaning of a non-nil error alongside a record.
func (a *Assembler) Decode(now time.Time) (*wq.Record, error) {
	if !a.IsComplete() {
		return nil, ErrIncomplete
	}
	return parser.Decode(a.header, a.packets, now)
}

// Reset drops the frame in flight.
func (a *Assembler) Reset() {
	a.header = parser.Header{}
	a.packets = make(map[byte][]byte, parser.Protocol0Fragments)
}
