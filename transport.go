package wq

import "fmt"

// Endpoint identifies a characteristic of the OBD service.
type Endpoint byte

const (
	EndpointUnknown Endpoint = iota
	EndpointMeasurement
	EndpointDataPoint
	EndpointDeviceAddress
)

const (
	ServiceUUID              = "00001816-0000-1000-8000-00805f9b34fb"
	MeasurementUUID          = "00002a5b-0000-1000-8000-00805f9b34fb"
	DataPointUUID            = "00002a57-0000-1000-8000-00805f9b34fb"
	DeviceAddressUUID        = "00002a59-0000-1000-8000-00805f9b34fb"
	ClientCharacteristicUUID = "00002902-0000-1000-8000-00805f9b34fb"
)

var endpointUUIDs = map[Endpoint]string{
	EndpointMeasurement:   MeasurementUUID,
	EndpointDataPoint:     DataPointUUID,
	EndpointDeviceAddress: DeviceAddressUUID,
}

// UUID returns the characteristic UUID behind e, or "" if unknown.
func (e Endpoint) UUID() string {
	return endpointUUIDs[e]
}

// EndpointByUUID is the reverse of Endpoint.UUID.
func EndpointByUUID(u string) Endpoint {
	for e, s := range endpointUUIDs {
		if s == u {
			return e
		}
	}
	return EndpointUnknown
}

func (e Endpoint) String() string {
	switch e {
	case EndpointMeasurement:
		return "measurement"
	case EndpointDataPoint:
		return "data-point"
	case EndpointDeviceAddress:
		return "device-address"
	default:
		return fmt.Sprintf("endpoint(%d)", byte(e))
	}
}

// Transport is the link to the device. Issue only reports whether the
// operation was accepted; the outcome arrives later on the TransportHandler.
type Transport interface {
	Issue(op Operation) bool

	// Supports reports whether the connected device exposes e.
	Supports(e Endpoint) bool

	// ResetState drops any transport-level caches after a disconnect.
	ResetState() error
}

// TransportHandler receives transport events. Implementations must be safe to
// call from any goroutine.
type TransportHandler interface {
	// OnOperationComplete reports the end of the issued operation of kind k.
	// A non-zero status is a failure. value carries read data, if any.
	OnOperationComplete(k Kind, status int, value []byte)
	OnOperationFailed(k Kind)
	OnNotification(e Endpoint, value []byte)
	OnConnectionLost(reason string)
}
