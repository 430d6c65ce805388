package wq

// Subscriber receives decoded telemetry and request outcomes. Records handed
// to OnTelemetry are private copies. Methods run on the service loop, with
// the same limits as ResponseHandler.
type Subscriber interface {
	OnTelemetry(addr DeviceAddress, r *Record)
	OnRequestResult(k Kind, resp Response, err error)
	OnDisconnected(reason string)
}

// SubscriberFuncs adapts functions to Subscriber. Nil funcs are skipped.
type SubscriberFuncs struct {
	Telemetry    func(DeviceAddress, *Record)
	Result       func(Kind, Response, error)
	Disconnected func(string)
}

func (s SubscriberFuncs) OnTelemetry(a DeviceAddress, r *Record) {
	if s.Telemetry != nil {
		s.Telemetry(a, r)
	}
}

func (s SubscriberFuncs) OnRequestResult(k Kind, resp Response, err error) {
	if s.Result != nil {
		s.Result(k, resp, err)
	}
}

func (s SubscriberFuncs) OnDisconnected(reason string) {
	if s.Disconnected != nil {
		s.Disconnected(reason)
	}
}
