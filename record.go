package wq

import (
	"fmt"
	"strings"
	"time"
)

// Field is an optional decoded value with the time it was last updated.
// A nil *Field means the device never reported the value.
type Field[T any] struct {
	Value   T         `json:"value" msgpack:"value"`
	Updated time.Time `json:"updated" msgpack:"updated"`
}

// NewField returns a field holding v, updated at.
func NewField[T any](v T, at time.Time) *Field[T] {
	return &Field[T]{Value: v, Updated: at}
}

func (f *Field[T]) clone() *Field[T] {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// pick returns n if it is set, otherwise o.
func pick[T any](o, n *Field[T]) *Field[T] {
	if n != nil {
		return n.clone()
	}
	return o
}

// UnidentifiedEvent is one unidentified-driver event reported by a protocol 1
// device. All fields are optional.
type UnidentifiedEvent struct {
	Reason       *int64   `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Timestamp    *int64   `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	EngineHours  *float64 `json:"engine_hours,omitempty" msgpack:"engine_hours,omitempty"`
	Speed        *float64 `json:"speed,omitempty" msgpack:"speed,omitempty"`
	Odometer     *float64 `json:"odometer,omitempty" msgpack:"odometer,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty" msgpack:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty" msgpack:"longitude,omitempty"`
	GPSTimestamp *int64   `json:"gps_timestamp,omitempty" msgpack:"gps_timestamp,omitempty"`
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Copy returns a deep copy of e.
func (e UnidentifiedEvent) Copy() UnidentifiedEvent {
	return UnidentifiedEvent{
		Reason:       clonePtr(e.Reason),
		Timestamp:    clonePtr(e.Timestamp),
		EngineHours:  clonePtr(e.EngineHours),
		Speed:        clonePtr(e.Speed),
		Odometer:     clonePtr(e.Odometer),
		Latitude:     clonePtr(e.Latitude),
		Longitude:    clonePtr(e.Longitude),
		GPSTimestamp: clonePtr(e.GPSTimestamp),
	}
}

// Record is a decoded vehicle-state snapshot.
type Record struct {
	Protocol  int       `json:"protocol" msgpack:"protocol"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`

	VIN         *Field[string]  `json:"vin,omitempty" msgpack:"vin,omitempty"`
	Odometer    *Field[float64] `json:"odometer,omitempty" msgpack:"odometer,omitempty"`
	EngineHours *Field[float64] `json:"engine_hours,omitempty" msgpack:"engine_hours,omitempty"`
	Speed       *Field[float64] `json:"speed,omitempty" msgpack:"speed,omitempty"`
	RPM         *Field[float64] `json:"rpm,omitempty" msgpack:"rpm,omitempty"`
	FuelLevel   *Field[float64] `json:"fuel_level,omitempty" msgpack:"fuel_level,omitempty"`
	Latitude    *Field[float64] `json:"latitude,omitempty" msgpack:"latitude,omitempty"`
	Longitude   *Field[float64] `json:"longitude,omitempty" msgpack:"longitude,omitempty"`
	GPSFixAge   *Field[float64] `json:"gps_fix_age,omitempty" msgpack:"gps_fix_age,omitempty"`
	Heading     *Field[float64] `json:"heading,omitempty" msgpack:"heading,omitempty"`

	// GPSTime is the fix time in milliseconds since the epoch.
	GPSTime           *Field[int64] `json:"gps_time,omitempty" msgpack:"gps_time,omitempty"`
	UnidentifiedTotal *Field[int64] `json:"unidentified_total,omitempty" msgpack:"unidentified_total,omitempty"`

	Events []UnidentifiedEvent `json:"events,omitempty" msgpack:"events,omitempty"`
}

// DataSet reports whether any vehicle field has been set.
func (r *Record) DataSet() bool {
	if r == nil {
		return false
	}
	return r.VIN != nil || r.Odometer != nil || r.EngineHours != nil ||
		r.Speed != nil || r.RPM != nil || r.FuelLevel != nil ||
		r.Latitude != nil || r.Longitude != nil || r.GPSFixAge != nil ||
		r.Heading != nil || r.GPSTime != nil || r.UnidentifiedTotal != nil ||
		len(r.Events) > 0
}

// Copy returns a deep copy of r that shares no memory with it.
func (r *Record) Copy() *Record {
	if r == nil {
		return nil
	}

	c := &Record{
		Protocol:          r.Protocol,
		Timestamp:         r.Timestamp,
		VIN:               r.VIN.clone(),
		Odometer:          r.Odometer.clone(),
		EngineHours:       r.EngineHours.clone(),
		Speed:             r.Speed.clone(),
		RPM:               r.RPM.clone(),
		FuelLevel:         r.FuelLevel.clone(),
		Latitude:          r.Latitude.clone(),
		Longitude:         r.Longitude.clone(),
		GPSFixAge:         r.GPSFixAge.clone(),
		Heading:           r.Heading.clone(),
		GPSTime:           r.GPSTime.clone(),
		UnidentifiedTotal: r.UnidentifiedTotal.clone(),
	}

	if r.Events != nil {
		c.Events = make([]UnidentifiedEvent, 0, len(r.Events))
		for _, e := range r.Events {
			c.Events = append(c.Events, e.Copy())
		}
	}

	return c
}

// Merge folds n into r. Fields set in n replace those in r, unset fields in n
// leave r untouched, and n's events are appended.
func (r *Record) Merge(n *Record) {
	if n == nil {
		return
	}

	r.Protocol = n.Protocol
	if !n.Timestamp.IsZero() {
		r.Timestamp = n.Timestamp
	}

	r.VIN = pick(r.VIN, n.VIN)
	r.Odometer = pick(r.Odometer, n.Odometer)
	r.EngineHours = pick(r.EngineHours, n.EngineHours)
	r.Speed = pick(r.Speed, n.Speed)
	r.RPM = pick(r.RPM, n.RPM)
	r.FuelLevel = pick(r.FuelLevel, n.FuelLevel)
	r.Latitude = pick(r.Latitude, n.Latitude)
	r.Longitude = pick(r.Longitude, n.Longitude)
	r.GPSFixAge = pick(r.GPSFixAge, n.GPSFixAge)
	r.Heading = pick(r.Heading, n.Heading)
	r.GPSTime = pick(r.GPSTime, n.GPSTime)
	r.UnidentifiedTotal = pick(r.UnidentifiedTotal, n.UnidentifiedTotal)

	for _, e := range n.Events {
		r.Events = append(r.Events, e.Copy())
	}
}

func (r *Record) String() string {
	if r == nil {
		return "<nil>"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "proto=%d", r.Protocol)
	if r.VIN != nil {
		fmt.Fprintf(&sb, " vin=%q", r.VIN.Value)
	}
	writeFloat(&sb, "od", r.Odometer)
	writeFloat(&sb, "rpm", r.RPM)
	writeFloat(&sb, "sp", r.Speed)
	writeFloat(&sb, "enhr", r.EngineHours)
	writeFloat(&sb, "lt", r.Latitude)
	writeFloat(&sb, "ln", r.Longitude)
	if r.GPSTime != nil {
		fmt.Fprintf(&sb, " gt=%v", time.UnixMilli(r.GPSTime.Value).UTC().Format(time.RFC3339))
	}
	if len(r.Events) > 0 {
		fmt.Fprintf(&sb, " events=%d", len(r.Events))
	}
	return sb.String()
}

func writeFloat(sb *strings.Builder, k string, f *Field[float64]) {
	if f != nil {
		fmt.Fprintf(sb, " %s=%v", k, f.Value)
	}
}
