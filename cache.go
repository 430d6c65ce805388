package wq

type TelemetryCache interface {
	Store(DeviceAddress, *Record, bool) error
	Load(DeviceAddress) (*Record, error)
	Clear() error
}
