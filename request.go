package wq

import (
	"fmt"
	"time"
)

// DefaultRequestTimeout is used when a request is sent with a zero timeout
// through Do and no other default has been configured.
const DefaultRequestTimeout = 250 * time.Millisecond

// Kind identifies a request. The values double as the request identifier used
// to correlate transport completions.
type Kind int

const (
	KindTelemetry         Kind = 2
	KindAppIdentifier     Kind = 3
	KindStartUnidentified Kind = 4
	KindStopUnidentified  Kind = 5
	KindPurgeUnidentified Kind = 6
	KindDeviceAddress     Kind = 7
)

var kindNames = map[Kind]string{
	KindTelemetry:         "telemetry",
	KindAppIdentifier:     "app-identifier",
	KindStartUnidentified: "start-unidentified",
	KindStopUnidentified:  "stop-unidentified",
	KindPurgeUnidentified: "purge-unidentified",
	KindDeviceAddress:     "device-address",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// OpType is the transport-level action behind a request.
type OpType byte

const (
	OpRead OpType = iota + 1
	OpWrite
	OpNotify
)

func (o OpType) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpNotify:
		return "notify"
	default:
		return fmt.Sprintf("op(%d)", byte(o))
	}
}

// Operation is what gets issued against a Transport.
type Operation struct {
	Kind     Kind
	Type     OpType
	Endpoint Endpoint
	Payload  []byte
}

func (o Operation) String() string {
	return fmt.Sprintf("%v %v %v [% x]", o.Kind, o.Type, o.Endpoint, o.Payload)
}

// Request is a caller-level request. Enable only matters for KindTelemetry.
type Request struct {
	Kind   Kind
	Enable bool
}

func EnableTelemetry() Request         { return Request{Kind: KindTelemetry, Enable: true} }
func DisableTelemetry() Request        { return Request{Kind: KindTelemetry} }
func AppIdentifier() Request           { return Request{Kind: KindAppIdentifier} }
func StartUnidentifiedEvents() Request { return Request{Kind: KindStartUnidentified} }
func StopUnidentifiedEvents() Request  { return Request{Kind: KindStopUnidentified} }
func PurgeUnidentifiedEvents() Request { return Request{Kind: KindPurgeUnidentified} }
func GetDeviceAddress() Request        { return Request{Kind: KindDeviceAddress} }

// Operation maps r onto the transport operation that carries it.
func (r Request) Operation() (Operation, error) {
	switch r.Kind {
	case KindTelemetry:
		v := byte(0x00)
		if r.Enable {
			v = 0x01
		}
		return Operation{r.Kind, OpNotify, EndpointMeasurement, []byte{v}}, nil
	case KindAppIdentifier:
		return Operation{r.Kind, OpWrite, EndpointDataPoint, []byte{0x01, 0x02}}, nil
	case KindStartUnidentified:
		return Operation{r.Kind, OpWrite, EndpointDataPoint, []byte{0x02, 0x01}}, nil
	case KindStopUnidentified:
		return Operation{r.Kind, OpWrite, EndpointDataPoint, []byte{0x02, 0x00}}, nil
	case KindPurgeUnidentified:
		return Operation{r.Kind, OpWrite, EndpointDataPoint, []byte{0x03, 0x01}}, nil
	case KindDeviceAddress:
		return Operation{r.Kind, OpRead, EndpointDeviceAddress, nil}, nil
	default:
		return Operation{}, &Error{InvalidParams, fmt.Sprintf("unknown request %v", r.Kind)}
	}
}

// Response is the result of a completed request. Address is only set for
// KindDeviceAddress.
type Response struct {
	Kind    Kind
	Handle  uint64
	Status  int
	Value   []byte
	Address DeviceAddress
}

// ResponseHandler receives the outcome of one request. Exactly one of its
// methods is called, at most once, on the service loop. Handlers must not
// wait on the service; SendRequest and CancelAll are safe to call, Do is not.
type ResponseHandler interface {
	OnRecv(Response)
	OnError(error)
}

// ResponseFuncs adapts a pair of functions to ResponseHandler. Nil funcs are
// skipped.
type ResponseFuncs struct {
	Recv func(Response)
	Err  func(error)
}

func (f ResponseFuncs) OnRecv(r Response) {
	if f.Recv != nil {
		f.Recv(r)
	}
}

func (f ResponseFuncs) OnError(err error) {
	if f.Err != nil {
		f.Err(err)
	}
}
