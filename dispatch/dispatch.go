// Package dispatch keeps at most one operation outstanding on a transport.
package dispatch

import (
	"fmt"

	"github.com/geometris/wq"
)

type State int

const (
	Idle State = iota
	Busy
)

func (s State) String() string {
	if s == Busy {
		return "busy"
	}
	return "idle"
}

// Op is an operation together with the handle it was submitted under.
type Op struct {
	Handle uint64
	wq.Operation
}

func (o *Op) String() string {
	return fmt.Sprintf("#%d %v", o.Handle, o.Operation)
}

// Dispatcher serializes operations onto a Transport. It is not safe for
// concurrent use; its owner calls it from one goroutine.
type Dispatcher struct {
	tr      wq.Transport
	current *Op
	waiting *queue
	log     wq.Logger
}

func New(tr wq.Transport, l wq.Logger) *Dispatcher {
	return &Dispatcher{
		tr:      tr,
		waiting: newQueue(8),
		log:     wq.ComponentLogger(l, "dispatcher"),
	}
}

// Submit issues op if the transport is free, otherwise queues it. It returns
// wq.ErrRejected if the transport refused op; op is then dropped.
func (d *Dispatcher) Submit(op *Op) error {
	if d.current != nil {
		d.waiting.Enqueue(op)
		d.log.Debugf("queued %v behind %v, %v waiting", op, d.current, d.waiting.Length())
		return nil
	}

	if !d.issue(op) {
		return wq.ErrRejected
	}
	return nil
}

// Complete ends the current operation and issues the next one. It returns the
// finished operation (nil if none was in flight) and any queued operations
// the transport refused while advancing.
func (d *Dispatcher) Complete() (done *Op, rejected []*Op) {
	done = d.current
	d.current = nil
	return done, d.advance()
}

// Fail is Complete for an operation that failed at the transport.
func (d *Dispatcher) Fail() (done *Op, rejected []*Op) {
	return d.Complete()
}

// Cancel removes a queued operation. It returns false if handle is not
// queued; an operation already issued cannot be recalled.
func (d *Dispatcher) Cancel(handle uint64) bool {
	return d.waiting.Remove(handle) != nil
}

// Reset forgets the current operation and everything queued, without
// issuing anything. It returns what was dropped.
func (d *Dispatcher) Reset() []*Op {
	var dropped []*Op
	if d.current != nil {
		dropped = append(dropped, d.current)
		d.current = nil
	}
	dropped = append(dropped, d.waiting.Drain()...)
	if len(dropped) > 0 {
		d.log.Debugf("reset, dropped %v operations", len(dropped))
	}
	return dropped
}

// Abandon drops everything queued but keeps the operation in flight as
// current. The transport still owes an outcome for it, so new operations
// queue behind it until Complete or Fail consumes that outcome. It returns
// the dropped operations.
func (d *Dispatcher) Abandon() []*Op {
	dropped := d.waiting.Drain()
	if d.current != nil {
		d.log.Debugf("abandoned %v, %v queued dropped", d.current, len(dropped))
	}
	return dropped
}

func (d *Dispatcher) State() State {
	if d.current != nil {
		return Busy
	}
	return Idle
}

// Current returns the operation in flight, or nil.
func (d *Dispatcher) Current() *Op {
	return d.current
}

// Waiting returns the number of queued operations.
func (d *Dispatcher) Waiting() int {
	return d.waiting.Length()
}

func (d *Dispatcher) advance() []*Op {
	var rejected []*Op
	for !d.waiting.IsEmpty() {
		op := d.waiting.Dequeue()
		if d.issue(op) {
			break
		}
		rejected = append(rejected, op)
	}
	return rejected
}

func (d *Dispatcher) issue(op *Op) bool {
	if !d.tr.Issue(op.Operation) {
		d.log.Warnf("transport rejected %v", op)
		return false
	}
	d.current = op
	d.log.Debugf("issued %v", op)
	return true
}
