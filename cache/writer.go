package cache

import (
	"sync"

	"github.com/temoto/alive/v2"

	"github.com/geometris/wq"
)

// Writer is a wq.Subscriber that saves records to a TelemetryCache from its
// own goroutine. Only the newest record of each device is kept until it is
// written.
type Writer struct {
	c   wq.TelemetryCache
	log wq.Logger

	mu     sync.Mutex
	latest map[wq.DeviceAddress]*wq.Record

	kick  chan struct{}
	alive *alive.Alive
}

func NewWriter(c wq.TelemetryCache, l wq.Logger) *Writer {
	w := &Writer{
		c:      c,
		log:    wq.ComponentLogger(l, "cache"),
		latest: make(map[wq.DeviceAddress]*wq.Record),
		kick:   make(chan struct{}, 1),
		alive:  alive.NewAlive(),
	}

	w.alive.Add(1)
	go w.worker()
	return w
}

// OnTelemetry queues r for addr. Records of an unknown device are skipped.
func (w *Writer) OnTelemetry(addr wq.DeviceAddress, r *wq.Record) {
	if addr == "" || r == nil {
		return
	}

	w.mu.Lock()
	w.latest[addr] = r
	w.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Writer) OnRequestResult(wq.Kind, wq.Response, error) {}

func (w *Writer) OnDisconnected(string) {}

func (w *Writer) worker() {
	defer w.alive.Done()

	for {
		select {
		case <-w.alive.StopChan():
			w.flush()
			return
		case <-w.kick:
			w.flush()
		}
	}
}

func (w *Writer) flush() {
	w.mu.Lock()
	batch := w.latest
	w.latest = make(map[wq.DeviceAddress]*wq.Record)
	w.mu.Unlock()

	for addr, r := range batch {
		if err := w.c.Store(addr, r, true); err != nil {
			w.log.Errorf("can't cache record for %v: %v", addr, err)
		}
	}
}

// Close writes what is still queued and stops the worker.
func (w *Writer) Close() error {
	w.alive.Stop()
	w.alive.Wait()
	return nil
}
