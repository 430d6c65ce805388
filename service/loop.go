package service

import (
	"fmt"
	"time"

	"github.com/geometris/wq"
	"github.com/geometris/wq/dispatch"
)

// pending is a request waiting for its outcome.
type pending struct {
	op        *dispatch.Op
	h         wq.ResponseHandler
	ticket    *ticket
	timeout   time.Duration
	submitted time.Time
	timer     wq.Timer
}

func (p *pending) String() string {
	return fmt.Sprintf("%v (%v)", p.op, p.timeout)
}

func (s *Service) loop() {
	defer s.alive.Done()

	for {
		select {
		case <-s.alive.StopChan():
			s.shutdown()
			return

		case <-s.mbox.signal:
			for _, msg := range s.mbox.take() {
				s.handle(msg)
			}
		}
	}
}

func (s *Service) handle(msg message) {
	switch m := msg.(type) {
	case msgSend:
		s.submit(m.req, m.h, m.timeout, m.ticket)
	case msgForget:
		s.forget(m.ticket)
	case msgComplete:
		s.onComplete(m.kind, m.status, m.value)
	case msgFailed:
		s.onFailed(m.kind)
	case msgNotify:
		s.onNotify(m.ep, m.value)
	case msgLost:
		s.onLost(m.reason)
	case msgTimeout:
		s.onTimeout(m.handle)
	case msgStart:
		s.start()
	case msgStopTelemetry:
		s.stopTelemetry()
	case msgCancelAll:
		s.cancelAll()
	default:
		s.log.Errorf("unhandled message %T", msg)
	}
}

// shutdown runs on the loop after Close. Nothing can be posted any more, so
// whatever is left in the mailbox is final.
func (s *Service) shutdown() {
	for _, msg := range s.mbox.take() {
		if m, ok := msg.(msgSend); ok {
			s.resolve(m.req.Kind, m.h, wq.Response{}, wq.ErrClosed)
		}
	}

	for _, p := range s.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		s.resolve(p.op.Kind, p.h, wq.Response{}, wq.ErrClosed)
	}
	s.pending = nil
	s.disp.Reset()
	s.log.Debug("loop stopped")
}

func (s *Service) send(req wq.Request, h wq.ResponseHandler, timeout time.Duration) {
	s.submit(req, h, timeout, nil)
}

func (s *Service) submit(req wq.Request, h wq.ResponseHandler, timeout time.Duration, tk *ticket) {
	if !s.IsSupported(req.Kind) {
		s.resolve(req.Kind, h, wq.Response{}, wq.ErrUnsupported)
		return
	}

	op, err := req.Operation()
	if err != nil {
		s.resolve(req.Kind, h, wq.Response{}, err)
		return
	}

	p := &pending{
		op:        &dispatch.Op{Handle: s.nextHandle, Operation: op},
		h:         h,
		ticket:    tk,
		timeout:   timeout,
		submitted: s.clock.Now(),
	}
	s.nextHandle++

	if err := s.disp.Submit(p.op); err != nil {
		s.resolve(req.Kind, h, wq.Response{Kind: req.Kind, Handle: p.op.Handle}, err)
		return
	}

	if req.Kind == wq.KindTelemetry {
		// a new notification state starts a new frame
		s.asm.Reset()
		s.streaming = req.Enable
	}

	if timeout > 0 {
		handle := p.op.Handle
		p.timer = s.clock.AfterFunc(timeout, func() {
			s.post(msgTimeout{handle})
		})
	}
	s.pending = append(s.pending, p)
}

// inFlight reports whether a completion of kind k belongs to the operation
// the transport is working on. Anything else is stale and must not advance
// the dispatcher.
func (s *Service) inFlight(k wq.Kind, what string) bool {
	cur := s.disp.Current()
	if cur == nil {
		s.log.Warnf("stale %v for %v: nothing in flight", what, k)
		return false
	}
	if cur.Kind != k {
		s.log.Warnf("stale %v for %v: %v in flight", what, k, cur)
		return false
	}
	return true
}

func (s *Service) onComplete(k wq.Kind, status int, value []byte) {
	if !s.inFlight(k, "completion") {
		return
	}

	var done *dispatch.Op
	var rejected []*dispatch.Op
	if status == 0 {
		done, rejected = s.disp.Complete()
	} else {
		done, rejected = s.disp.Fail()
	}
	s.failRejected(rejected)

	p := s.take(done)
	if p == nil {
		s.log.Warnf("stale completion for %v, status %v: no pending request", done, status)
		return
	}

	resp := wq.Response{Kind: p.op.Kind, Handle: p.op.Handle, Status: status, Value: value}
	if status != 0 {
		s.resolve(p.op.Kind, p.h, resp, &wq.Error{Code: wq.Fail, Msg: fmt.Sprintf("%v failed with status %v", p.op.Kind, status)})
		return
	}

	var err error
	switch p.op.Kind {
	case wq.KindDeviceAddress:
		resp.Address, err = wq.ParseDeviceAddress(value)
		if err == nil {
			s.addr = resp.Address
		}
	case wq.KindTelemetry:
		if s.streaming {
			s.log.Info("telemetry notifications enabled")
		} else {
			s.log.Info("telemetry notifications disabled")
		}
	}

	s.resolve(p.op.Kind, p.h, resp, err)
}

func (s *Service) onFailed(k wq.Kind) {
	if !s.inFlight(k, "failure") {
		return
	}

	done, rejected := s.disp.Fail()
	s.failRejected(rejected)

	p := s.take(done)
	if p == nil {
		s.log.Warnf("stale failure for %v: no pending request", done)
		return
	}

	s.resolve(p.op.Kind, p.h, wq.Response{Kind: p.op.Kind, Handle: p.op.Handle}, wq.ErrRequestFailed)
}

func (s *Service) onTimeout(handle uint64) {
	for i, p := range s.pending {
		if p.op.Handle != handle {
			continue
		}

		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		if s.disp.Cancel(handle) {
			s.log.Debugf("dropped queued %v", p.op)
		}
		s.log.Infof("request %v timed out after %v", p.op, p.timeout)
		s.resolve(p.op.Kind, p.h, wq.Response{Kind: p.op.Kind, Handle: handle}, wq.ErrTimeout)
		return
	}
	// already resolved; the completion won the race
}

// forget withdraws the request sent under tk. An issued operation stays in
// flight; its completion is dropped as stale.
func (s *Service) forget(tk *ticket) {
	for _, p := range s.pending {
		if p.ticket != tk {
			continue
		}
		s.take(p.op)
		s.disp.Cancel(p.op.Handle)
		s.log.Debugf("request %v withdrawn", p.op)
		s.resolve(p.op.Kind, p.h, wq.Response{Kind: p.op.Kind, Handle: p.op.Handle}, wq.ErrCancelled)
		return
	}
}

// take removes and returns the pending request that op was issued for. A
// request that already timed out is no longer pending, so its completion
// comes back nil here.
func (s *Service) take(op *dispatch.Op) *pending {
	for i, p := range s.pending {
		if p.op != op {
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		if p.timer != nil {
			p.timer.Stop()
		}
		return p
	}
	return nil
}

func (s *Service) failRejected(ops []*dispatch.Op) {
	for _, op := range ops {
		if p := s.take(op); p != nil {
			s.resolve(op.Kind, p.h, wq.Response{Kind: op.Kind, Handle: op.Handle}, wq.ErrRejected)
		}
	}
}

// cancelAll forgets every request without calling back. An operation the
// transport is still working on stays current in the dispatcher, so its late
// completion is consumed as stale instead of being matched to a newer request.
func (s *Service) cancelAll() {
	for _, p := range s.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	n := len(s.pending)
	s.pending = nil
	s.disp.Abandon()
	if n > 0 {
		s.log.Infof("cancelled %v pending requests", n)
	}
}

// resolve reports an outcome to the request's handler and to subscribers.
func (s *Service) resolve(k wq.Kind, h wq.ResponseHandler, resp wq.Response, err error) {
	if err != nil {
		h.OnError(err)
	} else {
		h.OnRecv(resp)
	}

	for _, sub := range s.subs {
		sub.OnRequestResult(k, resp, err)
	}
}
