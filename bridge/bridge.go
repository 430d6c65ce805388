// Package bridge is a wq.Transport for a BLE-central bridge dongle attached
// over a serial port or TCP.
//
// Frames on the link are [0xa5, type, len, payload...]. The host issues
// operations and resets; the bridge answers with completions, failures,
// notifications, link loss and the set of endpoints it discovered on the
// connected device. Issue, completion and failure payloads start with the
// request kind, which the bridge echoes back.
package bridge

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/temoto/alive/v2"

	"github.com/geometris/wq"
)

const rxQueueSize = 64

// DiscoveredFunc is called when the bridge reports the endpoints of a newly
// connected device.
type DiscoveredFunc func(eps []wq.Endpoint)

type Bridge struct {
	rw  io.ReadWriteCloser
	log wq.Logger
	wmu sync.Mutex

	// eofIdle treats io.EOF from rw as an idle read. Serial ports report a
	// read timeout that way.
	eofIdle bool

	hmu          sync.RWMutex
	h            wq.TransportHandler
	onDiscovered DiscoveredFunc

	endpoints uint32

	rxQueue   chan []byte
	alive     *alive.Alive
	closeOnce sync.Once
	closeErr  error
}

// New starts a bridge on rw. Events are dropped until SetHandler is called.
func New(rw io.ReadWriteCloser, l wq.Logger) *Bridge {
	b := newBridge(rw, l)
	b.start()
	return b
}

func newBridge(rw io.ReadWriteCloser, l wq.Logger) *Bridge {
	return &Bridge{
		rw:      rw,
		log:     wq.ComponentLogger(l, "bridge"),
		rxQueue: make(chan []byte, rxQueueSize),
		alive:   alive.NewAlive(),
	}
}

func (b *Bridge) start() {
	b.alive.Add(2)
	go b.rxLoop()
	go b.eventLoop()
}

func (b *Bridge) SetHandler(h wq.TransportHandler) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	b.h = h
}

func (b *Bridge) SetDiscoveredHandler(f DiscoveredFunc) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	b.onDiscovered = f
}

func (b *Bridge) handler() wq.TransportHandler {
	b.hmu.RLock()
	defer b.hmu.RUnlock()
	return b.h
}

// Issue sends op to the bridge. It returns false if the frame could not be
// written.
func (b *Bridge) Issue(op wq.Operation) bool {
	if !b.alive.IsRunning() {
		return false
	}

	p := make([]byte, 0, 3+len(op.Payload))
	p = append(p, byte(op.Kind), byte(op.Type), byte(op.Endpoint))
	p = append(p, op.Payload...)

	if err := b.write(typeIssue, p); err != nil {
		b.log.Errorf("can't issue %v: %v", op, err)
		return false
	}
	return true
}

// Supports reports whether the last discovery frame had bit e set.
func (b *Bridge) Supports(e wq.Endpoint) bool {
	if e >= 32 {
		return false
	}
	return atomic.LoadUint32(&b.endpoints)&(1<<e) != 0
}

// ResetState forgets the discovered endpoints and tells the bridge to drop
// its per-connection state.
func (b *Bridge) ResetState() error {
	atomic.StoreUint32(&b.endpoints, 0)
	return b.write(typeReset, nil)
}

func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.alive.Stop()
		b.closeErr = errors.Wrap(b.rw.Close(), "can't close bridge")
		b.alive.Wait()
	})
	return b.closeErr
}

func (b *Bridge) write(typ byte, payload []byte) error {
	f, err := encodeFrame(typ, payload)
	if err != nil {
		return err
	}

	b.wmu.Lock()
	defer b.wmu.Unlock()

	_, err = b.rw.Write(f)
	b.log.Debugf("write [% x], %v", f, err)
	return errors.Wrap(err, "can't write bridge")
}

func (b *Bridge) rxLoop() {
	defer b.alive.Done()

	fr := newFrame(b.enqueue)
	tmp := make([]byte, 512)
	for b.alive.IsRunning() {
		n, err := b.rw.Read(tmp)
		if n > 0 {
			fr.Assemble(tmp[:n])
		}
		if err == nil || b.idle(err) {
			continue
		}

		if b.alive.IsRunning() {
			b.log.Errorf("link read failed: %v", err)
			if h := b.handler(); h != nil {
				h.OnConnectionLost(err.Error())
			}
			b.alive.Stop()
		}
		return
	}
}

func (b *Bridge) enqueue(f []byte) {
	select {
	case b.rxQueue <- f:
	case <-b.alive.StopChan():
	}
}

func (b *Bridge) idle(err error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return b.eofIdle && err == io.EOF
}

func (b *Bridge) eventLoop() {
	defer b.alive.Done()

	for {
		select {
		case <-b.alive.StopChan():
			return
		case f := <-b.rxQueue:
			b.handleFrame(f)
		}
	}
}

func (b *Bridge) handleFrame(f []byte) {
	typ, p := f[headerOffsetType], f[headerLength:]
	b.log.Debugf("read [% x]", f)

	if typ == typeDiscovered {
		b.discovered(p)
		return
	}

	h := b.handler()
	if h == nil {
		b.log.Debugf("no handler, dropping frame type 0x%02x", typ)
		return
	}

	switch typ {
	case typeComplete:
		if len(p) < 2 {
			b.log.Warnf("short completion [% x]", f)
			return
		}
		h.OnOperationComplete(wq.Kind(p[0]), int(p[1]), p[2:])

	case typeFailed:
		if len(p) < 1 {
			b.log.Warnf("short failure [% x]", f)
			return
		}
		h.OnOperationFailed(wq.Kind(p[0]))

	case typeNotify:
		if len(p) < 1 {
			b.log.Warnf("short notification [% x]", f)
			return
		}
		h.OnNotification(wq.Endpoint(p[0]), p[1:])

	case typeLost:
		h.OnConnectionLost(string(p))

	default:
		b.log.Warnf("unknown frame type 0x%02x", typ)
	}
}

func (b *Bridge) discovered(p []byte) {
	if len(p) < 1 {
		b.log.Warn("empty discovery frame")
		return
	}

	atomic.StoreUint32(&b.endpoints, uint32(p[0]))

	var eps []wq.Endpoint
	for e := wq.EndpointMeasurement; e <= wq.EndpointDeviceAddress; e++ {
		if b.Supports(e) {
			eps = append(eps, e)
		}
	}
	b.log.Infof("device endpoints %v", eps)

	b.hmu.RLock()
	f := b.onDiscovered
	b.hmu.RUnlock()
	if f != nil {
		f(eps)
	}
}
