package wq

import (
	"time"
)

// Options is implemented by the service to allow using configuration options.
type Options interface {
	SetLogger(Logger) error
	SetDefaultTimeout(time.Duration) error
	AddSubscriber(Subscriber) error
	SetRPMCarryOver(maxAge time.Duration, threshold float64) error
	SetRecordPerSession(bool) error
	SetClock(Clock) error
	SetCache(TelemetryCache) error
	SetMailboxSize(int) error
}

// An Option is a configuration function, which configures the service.
type Option func(Options) error

// OptLogger replaces the logger the service derives its child loggers from.
func OptLogger(l Logger) Option {
	return func(opt Options) error {
		return opt.SetLogger(l)
	}
}

// OptDefaultTimeout sets the timeout Do uses when called with zero.
func OptDefaultTimeout(d time.Duration) Option {
	return func(opt Options) error {
		return opt.SetDefaultTimeout(d)
	}
}

// OptSubscriber adds a telemetry/result subscriber. May be repeated.
func OptSubscriber(s Subscriber) Option {
	return func(opt Options) error {
		return opt.AddSubscriber(s)
	}
}

// OptRPMCarryOver keeps the last good RPM reading for up to maxAge when the
// device reports RPM as absent, provided it was at least threshold.
func OptRPMCarryOver(maxAge time.Duration, threshold float64) Option {
	return func(opt Options) error {
		return opt.SetRPMCarryOver(maxAge, threshold)
	}
}

// OptNoRPMCarryOver disables RPM carry-over.
func OptNoRPMCarryOver() Option {
	return func(opt Options) error {
		return opt.SetRPMCarryOver(0, 0)
	}
}

// OptRecordPerSession merges every frame into one session record instead of
// delivering a fresh record per frame.
func OptRecordPerSession(b bool) Option {
	return func(opt Options) error {
		return opt.SetRecordPerSession(b)
	}
}

func OptClock(c Clock) Option {
	return func(opt Options) error {
		return opt.SetClock(c)
	}
}

func OptCache(c TelemetryCache) Option {
	return func(opt Options) error {
		return opt.SetCache(c)
	}
}

func OptMailboxSize(n int) Option {
	return func(opt Options) error {
		return opt.SetMailboxSize(n)
	}
}
