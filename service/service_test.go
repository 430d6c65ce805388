package service

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geometris/wq"
)

var epoch = time.Unix(1700000000, 0)

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) wq.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and runs every timer that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

type fakeTransport struct {
	mu       sync.Mutex
	h        wq.TransportHandler
	issued   []wq.Operation
	supports map[wq.Endpoint]bool
	reject   map[wq.Kind]bool
	respond  map[wq.Kind][]byte
	resets   int
}

func newFakeTransport(v2 bool) *fakeTransport {
	return &fakeTransport{
		supports: map[wq.Endpoint]bool{
			wq.EndpointMeasurement:   true,
			wq.EndpointDataPoint:     v2,
			wq.EndpointDeviceAddress: v2,
		},
		reject:  map[wq.Kind]bool{},
		respond: map[wq.Kind][]byte{},
	}
}

func (f *fakeTransport) Issue(op wq.Operation) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject[op.Kind] {
		return false
	}
	f.issued = append(f.issued, op)
	if v, ok := f.respond[op.Kind]; ok {
		f.h.OnOperationComplete(op.Kind, 0, v)
	}
	return true
}

func (f *fakeTransport) Supports(e wq.Endpoint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supports[e]
}

func (f *fakeTransport) ResetState() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeTransport) ops() []wq.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wq.Operation(nil), f.issued...)
}

func (f *fakeTransport) kinds() []wq.Kind {
	var out []wq.Kind
	for _, op := range f.ops() {
		out = append(out, op.Kind)
	}
	return out
}

type outcome struct {
	resp wq.Response
	err  error
}

// recorder collects request outcomes.
type recorder struct {
	mu  sync.Mutex
	out []outcome
}

func (r *recorder) OnRecv(resp wq.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, outcome{resp: resp})
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, outcome{err: err})
}

func (r *recorder) all() []outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outcome(nil), r.out...)
}

type subscriber struct {
	mu      sync.Mutex
	records []*wq.Record
	addrs   []wq.DeviceAddress
	results []wq.Kind
	errs    []error
	lost    []string
}

func (s *subscriber) OnTelemetry(a wq.DeviceAddress, r *wq.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	s.addrs = append(s.addrs, a)
}

func (s *subscriber) OnRequestResult(k wq.Kind, _ wq.Response, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, k)
	s.errs = append(s.errs, err)
}

func (s *subscriber) outcomes() ([]wq.Kind, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wq.Kind(nil), s.results...), append([]error(nil), s.errs...)
}

func (s *subscriber) OnDisconnected(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = append(s.lost, reason)
}

func (s *subscriber) telemetry() []*wq.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wq.Record(nil), s.records...)
}

type fakeCache struct {
	mu     sync.Mutex
	stored map[wq.DeviceAddress]*wq.Record
}

func (c *fakeCache) Store(a wq.DeviceAddress, r *wq.Record, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stored == nil {
		c.stored = map[wq.DeviceAddress]*wq.Record{}
	}
	c.stored[a] = r.Copy()
	return nil
}

func (c *fakeCache) Load(a wq.DeviceAddress) (*wq.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stored[a], nil
}

func (c *fakeCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored = nil
	return nil
}

type testEnv struct {
	t     *testing.T
	s     *Service
	tr    *fakeTransport
	clock *fakeClock
	sub   *subscriber
}

func newTestEnv(t *testing.T, v2 bool, opts ...wq.Option) *testEnv {
	e := &testEnv{
		t:     t,
		tr:    newFakeTransport(v2),
		clock: newFakeClock(),
		sub:   &subscriber{},
	}

	opts = append([]wq.Option{wq.OptClock(e.clock), wq.OptSubscriber(e.sub)}, opts...)
	s, err := New(e.tr, opts...)
	require.NoError(t, err)
	e.s = s
	e.tr.h = s

	t.Cleanup(func() { _ = s.Close() })
	return e
}

// syncEndpoint is not a device endpoint; notifications on it only reach the
// raw handler sync registers.
const syncEndpoint = wq.Endpoint(0xfe)

// sync waits until the loop has handled everything posted so far.
func (e *testEnv) sync() {
	done := make(chan struct{})
	e.s.Handle(syncEndpoint, func(wq.Endpoint, []byte) { close(done) })
	e.s.OnNotification(syncEndpoint, nil)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		e.t.Fatal("service loop stuck")
	}
}

// lastKind is the kind of the operation issued last, which is the one the
// device answers next.
func (e *testEnv) lastKind() wq.Kind {
	ops := e.tr.ops()
	require.NotEmpty(e.t, ops)
	return ops[len(ops)-1].Kind
}

func (e *testEnv) complete(status int, value []byte) {
	e.completeKind(e.lastKind(), status, value)
}

func (e *testEnv) completeKind(k wq.Kind, status int, value []byte) {
	e.s.OnOperationComplete(k, status, value)
	e.sync()
}

func (e *testEnv) fail() {
	e.s.OnOperationFailed(e.lastKind())
	e.sync()
}

func (e *testEnv) notify(frags ...[]byte) {
	for _, f := range frags {
		e.s.OnNotification(wq.EndpointMeasurement, f)
	}
	e.sync()
}

// enableTelemetry runs the handshake on a v1 device.
func (e *testEnv) enableTelemetry() {
	require.NoError(e.t, e.s.Start())
	e.sync()
	require.Equal(e.t, []wq.Kind{wq.KindTelemetry}, e.tr.kinds())
	e.complete(0, nil)
}

const absent = 0xffffffff

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func fixedFrame(odo, rpm, speed, hours uint32) [][]byte {
	p2 := make([]byte, 17)
	p2[0] = 2
	copy(p2[1:], le32(odo))
	copy(p2[5:], le32(rpm))
	copy(p2[13:], le32(speed))

	p6 := make([]byte, 9)
	p6[0] = 6
	copy(p6[5:], le32(hours))

	return [][]byte{
		append([]byte{0}, "1FTEW1E5"...),
		append([]byte{1}, "0KFA12345"...),
		p2,
		{3},
		{4},
		{5},
		p6,
	}
}

func TestNewNilTransport(t *testing.T) {
	_, err := New(nil)
	assert.Equal(t, wq.InvalidParams, wq.CodeOf(err))
}

func TestCompletionResolvesOnce(t *testing.T) {
	e := newTestEnv(t, true)
	rec := &recorder{}

	e.s.SendRequest(wq.GetDeviceAddress(), rec, 100*time.Millisecond)
	e.sync()
	require.Len(t, e.tr.ops(), 1)

	e.complete(0, []byte{0x66, 0x55, 0x44, 0x33, 0x22, 0x11})
	out := rec.all()
	require.Len(t, out, 1)
	require.NoError(t, out[0].err)
	assert.Equal(t, wq.DeviceAddress("11:22:33:44:55:66"), out[0].resp.Address)
	assert.Equal(t, wq.KindDeviceAddress, out[0].resp.Kind)

	// the timer was stopped; a late timeout message finds nothing pending
	e.clock.Advance(time.Second)
	e.s.post(msgTimeout{out[0].resp.Handle})
	e.sync()
	assert.Len(t, rec.all(), 1)
}

func TestTimeout(t *testing.T) {
	e := newTestEnv(t, true)
	rec := &recorder{}

	e.s.SendRequest(wq.AppIdentifier(), rec, 50*time.Millisecond)
	e.sync()

	e.clock.Advance(49 * time.Millisecond)
	e.sync()
	assert.Empty(t, rec.all())

	e.clock.Advance(time.Millisecond)
	e.sync()
	out := rec.all()
	require.Len(t, out, 1)
	assert.Equal(t, wq.ErrTimeout, out[0].err)

	// the device answers after all; nobody hears about it
	e.complete(0, nil)
	e.clock.Advance(time.Second)
	e.sync()
	assert.Len(t, rec.all(), 1)
}

func TestTimeoutWhileQueued(t *testing.T) {
	e := newTestEnv(t, true)
	first, second := &recorder{}, &recorder{}

	e.s.SendRequest(wq.AppIdentifier(), first, 0)
	e.s.SendRequest(wq.GetDeviceAddress(), second, 10*time.Millisecond)
	e.sync()

	e.clock.Advance(10 * time.Millisecond)
	e.sync()
	require.Len(t, second.all(), 1)
	assert.Equal(t, wq.ErrTimeout, second.all()[0].err)

	e.complete(0, nil)
	assert.Len(t, first.all(), 1)
	assert.Equal(t, []wq.Kind{wq.KindAppIdentifier}, e.tr.kinds(), "timed out request must not be issued")
}

func TestFIFO(t *testing.T) {
	e := newTestEnv(t, true)

	var mu sync.Mutex
	var order []wq.Kind
	h := func(k wq.Kind) wq.ResponseHandler {
		return wq.ResponseFuncs{Recv: func(wq.Response) {
			mu.Lock()
			order = append(order, k)
			mu.Unlock()
		}}
	}

	e.s.SendRequest(wq.AppIdentifier(), h(wq.KindAppIdentifier), 0)
	e.s.SendRequest(wq.StartUnidentifiedEvents(), h(wq.KindStartUnidentified), 0)
	e.s.SendRequest(wq.PurgeUnidentifiedEvents(), h(wq.KindPurgeUnidentified), 0)
	e.sync()
	require.Len(t, e.tr.ops(), 1, "only one operation in flight")

	e.complete(0, nil)
	require.Len(t, e.tr.ops(), 2)
	e.complete(0, nil)
	e.complete(0, nil)

	want := []wq.Kind{wq.KindAppIdentifier, wq.KindStartUnidentified, wq.KindPurgeUnidentified}
	assert.Equal(t, want, e.tr.kinds())
	assert.Equal(t, want, order)

	ops := e.tr.ops()
	assert.Equal(t, []byte{0x01, 0x02}, ops[0].Payload)
	assert.Equal(t, []byte{0x02, 0x01}, ops[1].Payload)
	assert.Equal(t, []byte{0x03, 0x01}, ops[2].Payload)
	assert.Equal(t, want, e.sub.results)
}

func TestFailureStatus(t *testing.T) {
	e := newTestEnv(t, true)
	rec := &recorder{}

	e.s.SendRequest(wq.StopUnidentifiedEvents(), rec, 0)
	e.sync()
	e.complete(3, nil)

	out := rec.all()
	require.Len(t, out, 1)
	assert.Equal(t, wq.Fail, wq.CodeOf(out[0].err))

	rec2 := &recorder{}
	e.s.SendRequest(wq.StopUnidentifiedEvents(), rec2, 0)
	e.sync()
	e.fail()
	require.Len(t, rec2.all(), 1)
	assert.Equal(t, wq.ErrRequestFailed, rec2.all()[0].err)
}

func TestCancelAll(t *testing.T) {
	e := newTestEnv(t, true)
	a, b := &recorder{}, &recorder{}

	e.s.SendRequest(wq.AppIdentifier(), a, 50*time.Millisecond)
	e.s.SendRequest(wq.GetDeviceAddress(), b, 50*time.Millisecond)
	e.s.CancelAll()
	e.sync()

	e.complete(0, nil)
	e.clock.Advance(time.Second)
	e.sync()
	assert.Empty(t, a.all())
	assert.Empty(t, b.all())

	// the dispatcher is free again
	c := &recorder{}
	e.s.SendRequest(wq.PurgeUnidentifiedEvents(), c, 0)
	e.sync()
	assert.Equal(t, []wq.Kind{wq.KindAppIdentifier, wq.KindPurgeUnidentified}, e.tr.kinds())
	e.complete(0, nil)
	assert.Len(t, c.all(), 1)
}

func TestLateCompletionAfterCancelAll(t *testing.T) {
	e := newTestEnv(t, true)
	addr, ident := &recorder{}, &recorder{}

	e.s.SendRequest(wq.GetDeviceAddress(), addr, 0)
	e.s.CancelAll()
	e.s.SendRequest(wq.AppIdentifier(), ident, 0)
	e.sync()

	// the cancelled read is still on the device, so nothing new goes out
	assert.Equal(t, []wq.Kind{wq.KindDeviceAddress}, e.tr.kinds())

	e.completeKind(wq.KindDeviceAddress, 0, []byte{1, 2, 3, 4, 5, 6})
	assert.Empty(t, addr.all())
	assert.Empty(t, ident.all())
	assert.Equal(t, []wq.Kind{wq.KindDeviceAddress, wq.KindAppIdentifier}, e.tr.kinds())

	e.completeKind(wq.KindAppIdentifier, 0, nil)
	out := ident.all()
	require.Len(t, out, 1)
	require.NoError(t, out[0].err)
	assert.Equal(t, wq.KindAppIdentifier, out[0].resp.Kind)
	assert.Nil(t, out[0].resp.Value)
	assert.Empty(t, addr.all())
}

func TestLateCompletionSameKindAfterCancelAll(t *testing.T) {
	e := newTestEnv(t, true)
	old, cur := &recorder{}, &recorder{}

	e.s.SendRequest(wq.AppIdentifier(), old, 0)
	e.s.CancelAll()
	e.s.SendRequest(wq.AppIdentifier(), cur, 0)
	e.sync()

	e.complete(0, nil)
	assert.Empty(t, old.all())
	assert.Empty(t, cur.all(), "completion belongs to the cancelled request")

	e.complete(0, nil)
	assert.Len(t, cur.all(), 1)
	assert.Empty(t, old.all())
}

func TestCompletionForOtherKind(t *testing.T) {
	e := newTestEnv(t, true)
	rec := &recorder{}

	e.s.SendRequest(wq.AppIdentifier(), rec, 0)
	e.sync()

	e.completeKind(wq.KindDeviceAddress, 0, []byte{1, 2, 3, 4, 5, 6})
	e.s.OnOperationFailed(wq.KindPurgeUnidentified)
	e.sync()
	assert.Empty(t, rec.all())

	e.completeKind(wq.KindAppIdentifier, 0, nil)
	require.Len(t, rec.all(), 1)
	assert.NoError(t, rec.all()[0].err)
}

func TestCancelAllFromHandler(t *testing.T) {
	e := newTestEnv(t, true)
	queued := &recorder{}

	e.s.SendRequest(wq.AppIdentifier(), wq.ResponseFuncs{
		Recv: func(wq.Response) { e.s.CancelAll() },
	}, 0)
	e.s.SendRequest(wq.StartUnidentifiedEvents(), queued, 50*time.Millisecond)
	e.sync()

	e.complete(0, nil)
	e.sync()
	e.clock.Advance(time.Second)
	e.sync()
	assert.Empty(t, queued.all())

	// the loop still serves requests
	next := &recorder{}
	e.s.SendRequest(wq.PurgeUnidentifiedEvents(), next, 0)
	e.sync()
	e.complete(0, nil)
	e.complete(0, nil)
	require.Len(t, next.all(), 1)
	assert.NoError(t, next.all()[0].err)
}

func TestRejected(t *testing.T) {
	e := newTestEnv(t, true)
	e.tr.reject[wq.KindPurgeUnidentified] = true
	rec := &recorder{}

	e.s.SendRequest(wq.PurgeUnidentifiedEvents(), rec, 0)
	e.sync()

	out := rec.all()
	require.Len(t, out, 1)
	assert.Equal(t, wq.ErrRejected, out[0].err)
}

func TestUnsupported(t *testing.T) {
	e := newTestEnv(t, false)

	assert.True(t, e.s.IsSupported(wq.KindTelemetry))
	assert.False(t, e.s.IsSupported(wq.KindStartUnidentified))
	assert.False(t, e.s.IsSupported(wq.KindDeviceAddress))
	assert.False(t, e.s.IsSupported(wq.Kind(42)))

	rec := &recorder{}
	e.s.SendRequest(wq.StartUnidentifiedEvents(), rec, 0)
	e.sync()
	require.Len(t, rec.all(), 1)
	assert.Equal(t, wq.ErrUnsupported, rec.all()[0].err)
	assert.Empty(t, e.tr.ops())
}

func TestBadDeviceAddress(t *testing.T) {
	e := newTestEnv(t, true)
	rec := &recorder{}

	e.s.SendRequest(wq.GetDeviceAddress(), rec, 0)
	e.sync()
	e.complete(0, []byte{1, 2, 3})

	require.Len(t, rec.all(), 1)
	assert.Equal(t, wq.InvalidParams, wq.CodeOf(rec.all()[0].err))
}

func TestHandshakeV2(t *testing.T) {
	e := newTestEnv(t, true)

	require.NoError(t, e.s.Start())
	e.sync()
	require.Equal(t, []wq.Kind{wq.KindAppIdentifier}, e.tr.kinds())

	e.complete(0, nil)
	ops := e.tr.ops()
	require.Len(t, ops, 2)
	assert.Equal(t, wq.KindTelemetry, ops[1].Kind)
	assert.Equal(t, wq.OpNotify, ops[1].Type)
	assert.Equal(t, []byte{0x01}, ops[1].Payload)
}

func TestHandshakeV2IdentifierFails(t *testing.T) {
	e := newTestEnv(t, true)

	require.NoError(t, e.s.Start())
	e.sync()
	e.fail()

	assert.Equal(t, []wq.Kind{wq.KindAppIdentifier, wq.KindTelemetry}, e.tr.kinds())
}

func TestHandshakeV1(t *testing.T) {
	e := newTestEnv(t, false)
	e.enableTelemetry()

	require.NoError(t, e.s.StopTelemetry())
	e.sync()
	ops := e.tr.ops()
	require.Len(t, ops, 2)
	assert.Equal(t, []byte{0x00}, ops[1].Payload)
}

func TestTelemetryDelivered(t *testing.T) {
	e := newTestEnv(t, false)

	// not streaming yet
	e.notify(fixedFrame(1000, 1500, 60, 12345)...)
	assert.Empty(t, e.sub.telemetry())

	e.enableTelemetry()
	e.notify(fixedFrame(1000, 1500, 60, 12345)...)

	recs := e.sub.telemetry()
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, 0, r.Protocol)
	require.NotNil(t, r.VIN)
	assert.Equal(t, "1FTEW1E50KFA12345", r.VIN.Value)
	assert.Equal(t, 1000.0, r.Odometer.Value)
	assert.Equal(t, 1500.0, r.RPM.Value)
	assert.Equal(t, 60.0, r.Speed.Value)
	assert.Equal(t, 1234.5, r.EngineHours.Value)
	assert.Equal(t, epoch, r.Timestamp)
}

func TestTelemetryCopiesPerSubscriber(t *testing.T) {
	other := &subscriber{}
	e := newTestEnv(t, false, wq.OptSubscriber(other))
	e.enableTelemetry()
	e.notify(fixedFrame(1000, 1500, 60, 12345)...)

	a, b := e.sub.telemetry(), other.telemetry()
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.NotSame(t, a[0], b[0])

	a[0].Odometer.Value = 1
	assert.Equal(t, 1000.0, b[0].Odometer.Value)
}

func TestRawNotificationHandler(t *testing.T) {
	e := newTestEnv(t, true)

	var got [][]byte
	e.s.Handle(wq.EndpointDataPoint, func(_ wq.Endpoint, v []byte) {
		got = append(got, v)
	})

	e.s.OnNotification(wq.EndpointDataPoint, []byte{1, 2})
	e.sync()
	e.s.Unhandle(wq.EndpointDataPoint)
	e.s.OnNotification(wq.EndpointDataPoint, []byte{3})
	e.sync()

	assert.Equal(t, [][]byte{{1, 2}}, got)
}

func TestRPMCarryOver(t *testing.T) {
	e := newTestEnv(t, false)
	e.enableTelemetry()

	e.notify(fixedFrame(1000, 1500, 60, 12345)...)
	e.clock.Advance(10 * time.Second)
	e.notify(fixedFrame(1001, absent, 60, 12345)...)

	recs := e.sub.telemetry()
	require.Len(t, recs, 2)
	require.NotNil(t, recs[1].RPM)
	assert.Equal(t, 1500.0, recs[1].RPM.Value)
	assert.Equal(t, epoch.Add(10*time.Second), recs[1].RPM.Updated)

	e.clock.Advance(25 * time.Second)
	e.notify(fixedFrame(1002, absent, 60, 12345)...)
	recs = e.sub.telemetry()
	require.Len(t, recs, 3)
	assert.Nil(t, recs[2].RPM, "last reading is too old")
}

func TestRPMCarryOverBelowThreshold(t *testing.T) {
	e := newTestEnv(t, false)
	e.enableTelemetry()

	e.notify(fixedFrame(1000, 150, 60, 12345)...)
	e.notify(fixedFrame(1000, absent, 60, 12345)...)

	recs := e.sub.telemetry()
	require.Len(t, recs, 2)
	assert.Nil(t, recs[1].RPM)
}

func TestNoRPMCarryOver(t *testing.T) {
	e := newTestEnv(t, false, wq.OptNoRPMCarryOver())
	e.enableTelemetry()

	e.notify(fixedFrame(1000, 1500, 60, 12345)...)
	e.notify(fixedFrame(1000, absent, 60, 12345)...)

	recs := e.sub.telemetry()
	require.Len(t, recs, 2)
	assert.Nil(t, recs[1].RPM)
}

func TestRecordPerSession(t *testing.T) {
	e := newTestEnv(t, false, wq.OptRecordPerSession(true), wq.OptNoRPMCarryOver())
	e.enableTelemetry()

	e.notify(fixedFrame(1000, 1500, 60, 12345)...)
	e.clock.Advance(time.Second)
	e.notify(fixedFrame(absent, absent, 70, 12345)...)

	recs := e.sub.telemetry()
	require.Len(t, recs, 2)
	assert.Equal(t, 1000.0, recs[1].Odometer.Value)
	assert.Equal(t, epoch, recs[1].Odometer.Updated)
	assert.Equal(t, 1500.0, recs[1].RPM.Value)
	assert.Equal(t, 70.0, recs[1].Speed.Value)
	assert.Equal(t, epoch.Add(time.Second), recs[1].Timestamp)
}

func TestCacheStoresByAddress(t *testing.T) {
	c := &fakeCache{}
	e := newTestEnv(t, true, wq.OptCache(c))
	e.tr.respond[wq.KindAppIdentifier] = nil
	e.tr.respond[wq.KindTelemetry] = nil
	e.tr.respond[wq.KindDeviceAddress] = []byte{0x66, 0x55, 0x44, 0x33, 0x22, 0x11}

	addr, err := e.s.ReadDeviceAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wq.DeviceAddress("11:22:33:44:55:66"), addr)

	// each auto-completion lands one loop pass later
	require.NoError(t, e.s.Start())
	e.sync()
	e.sync()
	e.sync()
	e.notify(fixedFrame(1000, 1500, 60, 12345)...)

	require.Eventually(t, func() bool {
		r, _ := c.Load(addr)
		return r != nil
	}, 2*time.Second, time.Millisecond)
	r, err := c.Load(addr)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, r.Odometer.Value)
	assert.Equal(t, []wq.DeviceAddress{addr}, e.sub.addrs)
}

func TestConnectionLost(t *testing.T) {
	e := newTestEnv(t, false)
	e.enableTelemetry()

	// half a frame, then a pending request
	e.notify(fixedFrame(1000, 1500, 60, 12345)[:3]...)
	rec := &recorder{}
	e.s.SendRequest(wq.DisableTelemetry(), rec, 50*time.Millisecond)
	e.sync()

	e.s.OnConnectionLost("link supervision timeout")
	e.sync()

	assert.Equal(t, []string{"link supervision timeout"}, e.sub.lost)
	assert.Equal(t, 1, e.tr.resets)

	e.complete(0, nil)
	e.clock.Advance(time.Second)
	e.sync()
	assert.Empty(t, rec.all())

	// streaming stopped with the link
	e.notify(fixedFrame(1000, 1500, 60, 12345)...)
	assert.Empty(t, e.sub.telemetry())
}

func TestClose(t *testing.T) {
	e := newTestEnv(t, true)
	rec := &recorder{}

	e.s.SendRequest(wq.AppIdentifier(), rec, 0)
	e.sync()
	require.NoError(t, e.s.Close())

	require.Len(t, rec.all(), 1)
	assert.Equal(t, wq.ErrClosed, rec.all()[0].err)

	late := &recorder{}
	e.s.SendRequest(wq.AppIdentifier(), late, 0)
	require.Len(t, late.all(), 1)
	assert.Equal(t, wq.ErrClosed, late.all()[0].err)

	assert.Equal(t, wq.ErrClosed, e.s.Start())
	assert.NoError(t, e.s.Close())
}

func TestDo(t *testing.T) {
	e := newTestEnv(t, true)
	e.tr.respond[wq.KindPurgeUnidentified] = []byte{0x00}

	resp, err := e.s.Do(context.Background(), wq.PurgeUnidentifiedEvents(), 0)
	require.NoError(t, err)
	assert.Equal(t, wq.KindPurgeUnidentified, resp.Kind)
	assert.Equal(t, []byte{0x00}, resp.Value)
}

func TestDoContext(t *testing.T) {
	e := newTestEnv(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.s.Do(ctx, wq.AppIdentifier(), time.Hour)
	assert.Equal(t, context.Canceled, err)

	e.sync()
	kinds, errs := e.sub.outcomes()
	assert.Equal(t, []wq.Kind{wq.KindAppIdentifier}, kinds)
	assert.Equal(t, []error{wq.ErrCancelled}, errs)
	assert.Empty(t, e.s.pending)

	// the device still answers the withdrawn request
	e.complete(0, nil)
	kinds, _ = e.sub.outcomes()
	assert.Len(t, kinds, 1)
}

func TestRejectedTelemetryKeepsState(t *testing.T) {
	e := newTestEnv(t, false)
	e.enableTelemetry()

	e.tr.mu.Lock()
	e.tr.reject[wq.KindTelemetry] = true
	e.tr.mu.Unlock()

	require.NoError(t, e.s.StopTelemetry())
	e.sync()

	e.notify(fixedFrame(1000, 1500, 60, 12345)...)
	assert.Len(t, e.sub.telemetry(), 1, "still streaming")
}

func TestDoTimeout(t *testing.T) {
	e := newTestEnv(t, true)

	done := make(chan error, 1)
	go func() {
		_, err := e.s.Do(context.Background(), wq.AppIdentifier(), 20*time.Millisecond)
		done <- err
	}()

	require.Eventually(t, func() bool { return len(e.tr.ops()) == 1 }, time.Second, time.Millisecond)
	e.sync()
	e.clock.Advance(20 * time.Millisecond)

	select {
	case err := <-done:
		assert.Equal(t, wq.ErrTimeout, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return")
	}
}
