package service

import (
	"sync"
	"time"

	"github.com/geometris/wq"
)

// message is anything the loop processes. See (*Service).handle for the
// full set.
type message interface{}

type msgSend struct {
	req     wq.Request
	h       wq.ResponseHandler
	timeout time.Duration
	ticket  *ticket
}

// ticket lets the sender withdraw a request it no longer waits for.
type ticket struct{}

type msgForget struct {
	ticket *ticket
}

type msgComplete struct {
	kind   wq.Kind
	status int
	value  []byte
}

type msgFailed struct {
	kind wq.Kind
}

type msgNotify struct {
	ep    wq.Endpoint
	value []byte
}

type msgLost struct {
	reason string
}

type msgTimeout struct {
	handle uint64
}

type msgStart struct{}

type msgStopTelemetry struct{}

type msgCancelAll struct{}

// mailbox is an unbounded FIFO; post never blocks, so transport callbacks
// and timers may post from any goroutine, including the loop itself.
type mailbox struct {
	mu     sync.Mutex
	msgs   []message
	signal chan struct{}
}

func newMailbox(prealloc int) *mailbox {
	return &mailbox{
		msgs:   make([]message, 0, prealloc),
		signal: make(chan struct{}, 1),
	}
}

func (m *mailbox) post(msg message) {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// take removes and returns everything posted so far.
func (m *mailbox) take() []message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.msgs) == 0 {
		return nil
	}
	out := m.msgs
	m.msgs = make([]message, 0, cap(out))
	return out
}
