// Package service runs the device session: it serializes requests onto the
// transport, matches completions and timeouts back to callers, and turns
// telemetry notifications into records for subscribers.
//
// All session state is owned by a single loop goroutine. Public methods and
// the wq.TransportHandler callbacks only post messages to that loop.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/temoto/alive/v2"

	"github.com/geometris/wq"
	"github.com/geometris/wq/cache"
	"github.com/geometris/wq/dispatch"
	"github.com/geometris/wq/frame"
)

const (
	defaultRPMMaxAge    = 30 * time.Second
	defaultRPMThreshold = 200
	defaultMailboxSize  = 64
)

// NotificationHandler observes raw notifications from one endpoint. It runs on
// the service loop and must not block.
type NotificationHandler func(e wq.Endpoint, value []byte)

// Service is one device session.
type Service struct {
	tr    wq.Transport
	log   wq.Logger
	clock wq.Clock
	cache *cache.Writer

	defaultTimeout time.Duration
	perSession     bool
	mailboxSize    int
	subs           []wq.Subscriber
	handlers       *xsync.MapOf[wq.Endpoint, NotificationHandler]

	mbox  *mailbox
	alive *alive.Alive

	closeMu sync.RWMutex
	closed  bool

	// loop state
	disp       *dispatch.Dispatcher
	asm        *frame.Assembler
	pending    []*pending
	nextHandle uint64
	streaming  bool
	session    *wq.Record
	addr       wq.DeviceAddress
	rpm        rpmMemory
}

// New creates a service on tr and starts its loop. The caller must route
// tr's events to the returned service, which implements wq.TransportHandler.
func New(tr wq.Transport, opts ...wq.Option) (*Service, error) {
	if tr == nil {
		return nil, &wq.Error{Code: wq.InvalidParams, Msg: "nil transport"}
	}

	s := &Service{
		tr:             tr,
		log:            wq.GetLogger(),
		clock:          wq.SystemClock,
		defaultTimeout: wq.DefaultRequestTimeout,
		mailboxSize:    defaultMailboxSize,
		handlers:       xsync.NewMapOf[wq.Endpoint, NotificationHandler](),
		rpm:            rpmMemory{maxAge: defaultRPMMaxAge, threshold: defaultRPMThreshold},
		nextHandle:     1,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			if s.cache != nil {
				s.cache.Close()
			}
			return nil, errors.Wrap(err, "can't apply option")
		}
	}

	s.log = wq.ComponentLogger(s.log, "service")
	s.disp = dispatch.New(tr, s.log)
	s.asm = frame.New()
	s.mbox = newMailbox(s.mailboxSize)
	s.alive = alive.NewAlive()

	s.alive.Add(1)
	go s.loop()

	return s, nil
}

func (s *Service) SetLogger(l wq.Logger) error {
	if l == nil {
		return errors.New("nil logger")
	}
	s.log = l
	return nil
}

func (s *Service) SetDefaultTimeout(d time.Duration) error {
	if d <= 0 {
		return errors.Errorf("invalid default timeout %v", d)
	}
	s.defaultTimeout = d
	return nil
}

func (s *Service) AddSubscriber(sub wq.Subscriber) error {
	if sub == nil {
		return errors.New("nil subscriber")
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *Service) SetRPMCarryOver(maxAge time.Duration, threshold float64) error {
	if maxAge < 0 {
		return errors.Errorf("invalid rpm max age %v", maxAge)
	}
	s.rpm.maxAge = maxAge
	s.rpm.threshold = threshold
	return nil
}

func (s *Service) SetRecordPerSession(b bool) error {
	s.perSession = b
	return nil
}

func (s *Service) SetClock(c wq.Clock) error {
	if c == nil {
		return errors.New("nil clock")
	}
	s.clock = c
	return nil
}

// SetCache saves every record of a known device to c. Writes happen off the
// loop.
func (s *Service) SetCache(c wq.TelemetryCache) error {
	if c == nil {
		return errors.New("nil cache")
	}
	s.cache = cache.NewWriter(c, s.log)
	s.subs = append(s.subs, s.cache)
	return nil
}

func (s *Service) SetMailboxSize(n int) error {
	if n <= 0 {
		return errors.Errorf("invalid mailbox size %v", n)
	}
	s.mailboxSize = n
	return nil
}

// post hands msg to the loop. It returns false once the service is closed.
func (s *Service) post(msg message) bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		return false
	}
	s.mbox.post(msg)
	return true
}

// SendRequest submits req. Exactly one of h's methods is called later from
// the service loop: OnRecv with the response, or OnError on rejection,
// failure, timeout, or close. A timeout of zero or less waits for the
// transport indefinitely.
func (s *Service) SendRequest(req wq.Request, h wq.ResponseHandler, timeout time.Duration) {
	s.sendRequest(req, h, timeout, nil)
}

func (s *Service) sendRequest(req wq.Request, h wq.ResponseHandler, timeout time.Duration, tk *ticket) {
	if h == nil {
		h = wq.ResponseFuncs{}
	}
	if !s.post(msgSend{req, h, timeout, tk}) {
		h.OnError(wq.ErrClosed)
	}
}

type result struct {
	resp wq.Response
	err  error
}

// Do sends req and waits for its outcome. A zero timeout uses the default.
// When ctx ends first the request is withdrawn and subscribers see
// wq.ErrCancelled for it.
//
// Do waits on the service loop, so handlers running on that loop must use
// SendRequest instead.
func (s *Service) Do(ctx context.Context, req wq.Request, timeout time.Duration) (wq.Response, error) {
	if timeout == 0 {
		timeout = s.defaultTimeout
	}

	ch := make(chan result, 1)
	tk := &ticket{}
	s.sendRequest(req, wq.ResponseFuncs{
		Recv: func(r wq.Response) { ch <- result{resp: r} },
		Err:  func(err error) { ch <- result{err: err} },
	}, timeout, tk)

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		s.post(msgForget{tk})
		return wq.Response{}, ctx.Err()
	}
}

// ReadDeviceAddress reads the device address and remembers it for the cache.
func (s *Service) ReadDeviceAddress(ctx context.Context) (wq.DeviceAddress, error) {
	r, err := s.Do(ctx, wq.GetDeviceAddress(), 0)
	if err != nil {
		return "", errors.Wrap(err, "can't read device address")
	}
	return r.Address, nil
}

// IsSupported reports whether the connected device handles k. Everything but
// telemetry needs the data point characteristic.
func (s *Service) IsSupported(k wq.Kind) bool {
	switch k {
	case wq.KindTelemetry:
		return true
	case wq.KindAppIdentifier, wq.KindStartUnidentified, wq.KindStopUnidentified, wq.KindPurgeUnidentified:
		return s.tr.Supports(wq.EndpointDataPoint)
	case wq.KindDeviceAddress:
		return s.tr.Supports(wq.EndpointDataPoint) && s.tr.Supports(wq.EndpointDeviceAddress)
	default:
		return false
	}
}

// Start begins the telemetry session once the transport has discovered the
// device's services.
func (s *Service) Start() error {
	if !s.post(msgStart{}) {
		return wq.ErrClosed
	}
	return nil
}

// StopTelemetry disables telemetry notifications.
func (s *Service) StopTelemetry() error {
	if !s.post(msgStopTelemetry{}) {
		return wq.ErrClosed
	}
	return nil
}

// CancelAll drops every queued and pending request without calling their
// handlers. It does not wait for the loop, so it may be called from a
// handler. Requests sent after CancelAll returns are not affected.
func (s *Service) CancelAll() {
	s.post(msgCancelAll{})
}

// Handle registers fn for raw notifications on e, replacing any previous one.
// Safe to call from any goroutine.
func (s *Service) Handle(e wq.Endpoint, fn NotificationHandler) {
	if fn == nil {
		s.handlers.Delete(e)
		return
	}
	s.handlers.Store(e, fn)
}

func (s *Service) Unhandle(e wq.Endpoint) {
	s.handlers.Delete(e)
}

// Close stops the loop. Requests still pending get wq.ErrClosed.
func (s *Service) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.alive.Stop()
	s.alive.Wait()
	if s.cache != nil {
		s.cache.Close()
	}
	return nil
}

// wq.TransportHandler

func (s *Service) OnOperationComplete(k wq.Kind, status int, value []byte) {
	s.post(msgComplete{k, status, copyBytes(value)})
}

func (s *Service) OnOperationFailed(k wq.Kind) {
	s.post(msgFailed{k})
}

func (s *Service) OnNotification(e wq.Endpoint, value []byte) {
	s.post(msgNotify{e, copyBytes(value)})
}

func (s *Service) OnConnectionLost(reason string) {
	s.post(msgLost{reason})
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
