// Package sink publishes telemetry and request results to an MQTT broker.
package sink

import (
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/temoto/alive/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/geometris/wq"
)

const (
	defaultQueueSize = 32
	defaultTimeout   = 5 * time.Second
	unknownAddress   = "unknown"
)

type Format int

const (
	FormatJSON Format = iota
	FormatMsgpack
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "msgpack":
		return FormatMsgpack, nil
	default:
		return 0, errors.Errorf("unknown payload format %q", s)
	}
}

func (f Format) String() string {
	if f == FormatMsgpack {
		return "msgpack"
	}
	return "json"
}

func (f Format) marshal(v interface{}) ([]byte, error) {
	if f == FormatMsgpack {
		return msgpack.Marshal(v)
	}
	return jsoniter.Marshal(v)
}

// Publisher is the part of mqtt.Client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Config struct {
	TopicPrefix string
	Format      Format
	QoS         byte
	// Timeout bounds the wait for each publish acknowledgement.
	Timeout   time.Duration
	QueueSize int
}

// Result is the payload published for each request outcome.
type Result struct {
	Kind    string `json:"kind" msgpack:"kind"`
	Handle  uint64 `json:"handle" msgpack:"handle"`
	Status  int    `json:"status" msgpack:"status"`
	Value   []byte `json:"value,omitempty" msgpack:"value,omitempty"`
	Address string `json:"address,omitempty" msgpack:"address,omitempty"`
	Error   string `json:"error,omitempty" msgpack:"error,omitempty"`
	Code    int    `json:"code" msgpack:"code"`
}

// State is published, retained, when the device link drops.
type State struct {
	Connected bool   `json:"connected" msgpack:"connected"`
	Reason    string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// MQTT is a wq.Subscriber. Callbacks only encode and queue; a worker
// goroutine publishes, so the service loop never waits on the broker.
type MQTT struct {
	pub Publisher
	cfg Config
	log wq.Logger

	mu   sync.Mutex
	addr wq.DeviceAddress

	out   chan message
	alive *alive.Alive
}

func New(pub Publisher, cfg Config, l wq.Logger) *MQTT {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")

	s := &MQTT{
		pub:   pub,
		cfg:   cfg,
		log:   wq.ComponentLogger(l, "sink"),
		out:   make(chan message, cfg.QueueSize),
		alive: alive.NewAlive(),
	}

	s.alive.Add(1)
	go s.worker()
	return s
}

// Dial connects an MQTT client to broker.
func Dial(broker, clientID string, timeout time.Duration) (mqtt.Client, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout)

	m := mqtt.NewClient(opts)
	t := m.Connect()
	if !t.WaitTimeout(timeout) {
		return nil, &wq.Error{Code: wq.ConnectionFailed, Msg: fmt.Sprintf("mqtt connect to %s timed out", broker)}
	}
	if err := t.Error(); err != nil {
		return nil, &wq.Error{Code: wq.ConnectionFailed, Msg: errors.Wrapf(err, "mqtt connect to %s", broker).Error()}
	}
	return m, nil
}

func (s *MQTT) topic(addr wq.DeviceAddress, leaf string) string {
	a := addr.String()
	if a == "" {
		a = unknownAddress
	}
	return fmt.Sprintf("%s/%s/%s", s.cfg.TopicPrefix, a, leaf)
}

func (s *MQTT) address() wq.DeviceAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *MQTT) OnTelemetry(addr wq.DeviceAddress, r *wq.Record) {
	if addr != "" {
		s.mu.Lock()
		s.addr = addr
		s.mu.Unlock()
	}
	s.enqueue(s.topic(addr, "telemetry"), false, r)
}

func (s *MQTT) OnRequestResult(k wq.Kind, resp wq.Response, err error) {
	res := Result{
		Kind:    k.String(),
		Handle:  resp.Handle,
		Status:  resp.Status,
		Value:   resp.Value,
		Address: resp.Address.String(),
		Code:    int(wq.CodeOf(err)),
	}
	if err != nil {
		res.Error = err.Error()
	}

	if resp.Address != "" {
		s.mu.Lock()
		s.addr = resp.Address
		s.mu.Unlock()
	}
	s.enqueue(s.topic(s.address(), "result"), false, res)
}

func (s *MQTT) OnDisconnected(reason string) {
	s.enqueue(s.topic(s.address(), "state"), true, State{Reason: reason})
}

func (s *MQTT) enqueue(topic string, retained bool, v interface{}) {
	b, err := s.cfg.Format.marshal(v)
	if err != nil {
		s.log.Errorf("can't encode %s payload: %v", topic, err)
		return
	}

	select {
	case s.out <- message{topic, retained, b}:
	case <-s.alive.StopChan():
	default:
		s.log.Warnf("publish queue full, dropping %s", topic)
	}
}

func (s *MQTT) worker() {
	defer s.alive.Done()

	for {
		select {
		case <-s.alive.StopChan():
			return
		case m := <-s.out:
			_ = s.publish(m)
		}
	}
}

func (s *MQTT) publish(m message) error {
	t := s.pub.Publish(m.topic, s.cfg.QoS, m.retained, m.payload)
	return s.tokenWait(t, "publish "+m.topic)
}

func (s *MQTT) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(s.cfg.Timeout) {
		err := errors.Errorf("%s timeout", tag)
		s.log.Errorf("mqtt %v", err)
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Wrap(err, tag)
		s.log.Errorf("mqtt %v", err)
		return err
	}
	return nil
}

// Close stops the worker. Queued messages not yet published are dropped.
func (s *MQTT) Close() error {
	s.alive.Stop()
	s.alive.Wait()
	return nil
}
