package service

import (
	"time"

	"github.com/geometris/wq"
)

// rpmMemory carries the last good RPM reading over frames where the device
// reports RPM as absent.
type rpmMemory struct {
	maxAge    time.Duration
	threshold float64

	valid bool
	last  float64
	at    time.Time
}

func (m *rpmMemory) apply(r *wq.Record, now time.Time) {
	if r.RPM != nil {
		m.valid = true
		m.last = r.RPM.Value
		m.at = r.RPM.Updated
		return
	}

	if m.maxAge <= 0 || !m.valid || m.last < m.threshold || now.Sub(m.at) > m.maxAge {
		return
	}
	r.RPM = wq.NewField(m.last, now)
}

func (m *rpmMemory) reset() {
	m.valid = false
	m.last = 0
	m.at = time.Time{}
}

// start runs the session handshake. Devices with the data point
// characteristic want the app identifier before telemetry is enabled.
func (s *Service) start() {
	if !s.tr.Supports(wq.EndpointDataPoint) {
		s.log.Info("v1 device, enabling telemetry")
		s.send(wq.EnableTelemetry(), wq.ResponseFuncs{}, s.defaultTimeout)
		return
	}

	s.log.Info("v2 device, sending app identifier")
	s.send(wq.AppIdentifier(), wq.ResponseFuncs{
		Recv: func(wq.Response) {
			s.send(wq.EnableTelemetry(), wq.ResponseFuncs{}, s.defaultTimeout)
		},
		Err: func(err error) {
			s.log.Warnf("app identifier: %v, enabling telemetry anyway", err)
			s.send(wq.EnableTelemetry(), wq.ResponseFuncs{}, s.defaultTimeout)
		},
	}, s.defaultTimeout)
}

func (s *Service) stopTelemetry() {
	s.send(wq.DisableTelemetry(), wq.ResponseFuncs{}, s.defaultTimeout)
}

func (s *Service) onNotify(e wq.Endpoint, value []byte) {
	if fn, ok := s.handlers.Load(e); ok {
		fn(e, value)
	}

	if e != wq.EndpointMeasurement {
		s.log.Debugf("notification on %v [% x]", e, value)
		return
	}

	if !s.streaming {
		s.log.Debugf("telemetry not enabled, dropping [% x]", value)
		return
	}

	if err := s.asm.Submit(value); err != nil {
		s.log.Debugf("fragment dropped: %v", err)
		return
	}

	if !s.asm.IsComplete() {
		return
	}

	now := s.clock.Now()
	r, err := s.asm.Decode(now)
	s.asm.Reset()
	if err != nil {
		s.log.Debugf("partial frame: %v", err)
	}

	s.rpm.apply(r, now)
	s.deliver(r)
}

func (s *Service) deliver(r *wq.Record) {
	out := r
	if s.perSession {
		if s.session == nil {
			s.session = &wq.Record{}
		}
		s.session.Merge(r)
		out = s.session
	}

	s.log.Debugf("telemetry %v", out)

	for _, sub := range s.subs {
		sub.OnTelemetry(s.addr, out.Copy())
	}
}

func (s *Service) onLost(reason string) {
	s.log.Warnf("connection lost: %v", reason)

	s.cancelAll()
	s.disp.Reset()
	s.asm.Reset()
	s.streaming = false
	s.session = nil
	s.rpm.reset()

	if err := s.tr.ResetState(); err != nil {
		s.log.Errorf("can't reset transport state: %v", err)
	}

	for _, sub := range s.subs {
		sub.OnDisconnected(reason)
	}
}
