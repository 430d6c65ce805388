// Package parser decodes complete telemetry frames. Protocol 0 frames are a
// fixed seven fragment layout; protocol 1 and later carry a tag stream.
package parser

import (
	"strings"
	"time"

	"github.com/geometris/wq"
	"github.com/geometris/wq/codec"
)

// fragment 0 header
const (
	offsetIndex    = 0
	offsetMarker   = 1
	offsetProtocol = 2
	offsetTotal    = 3

	// Marker at offsetMarker flags an extended header.
	Marker byte = 0xcb

	// Protocol0Fragments is the fixed fragment count of a protocol 0 frame.
	Protocol0Fragments = 7

	headerLen   = 5
	streamStart = 2
)

// Header is what fragment 0 says about its frame.
type Header struct {
	Protocol int
	Total    int
}

// Expected returns the number of fragments that make up the frame.
func (h Header) Expected() int {
	if h.Protocol == 0 {
		return Protocol0Fragments
	}
	return h.Total
}

// ParseHeader reads the header of fragment 0. Without the marker, or when
// the fragment is too short to hold it, the frame is protocol 0.
func ParseHeader(b []byte) Header {
	if len(b) > offsetTotal && b[offsetMarker] == Marker {
		return Header{Protocol: int(b[offsetProtocol]), Total: int(b[offsetTotal])}
	}
	return Header{Protocol: 0, Total: Protocol0Fragments}
}

// Index returns the fragment index of b.
func Index(b []byte) byte {
	return b[offsetIndex]
}

// Decode builds a record from the fragments of one complete frame. It does not
// modify packets and gives the same result for the same input. A non-nil
// error means decoding stopped early; the record is still valid and holds
// whatever was decoded.
func Decode(h Header, packets map[byte][]byte, now time.Time) (*wq.Record, error) {
	d := &decoder{
		r:   &wq.Record{Protocol: h.Protocol, Timestamp: now},
		now: now,
	}

	var err error
	if h.Protocol == 0 {
		decodeFixed(packets, d)
	} else {
		err = decodeTLV(h.Expected(), packets, d)
	}

	if d.ev.Timestamp != nil {
		d.r.Events = append(d.r.Events, d.ev)
	}

	return d.r, err
}

// field offsets of the protocol 0 layout
const (
	fixedOdometer    = 1
	fixedRPM         = 5
	fixedSpeed       = 13
	fixedEngineHours = 5
)

func decodeFixed(packets map[byte][]byte, d *decoder) {
	var vin string

	for ind := byte(0); ind < Protocol0Fragments; ind++ {
		p := packets[ind]

		switch ind {
		case 0:
			vin = strings.TrimRight(codec.ReadASCII(1, p), "\x00")
		case 1:
			if vin == "" {
				break
			}
			vin += strings.TrimRight(codec.ReadASCII(1, p), "\x00")
			if vin[0] != '-' {
				d.r.VIN = wq.NewField(vin, d.now)
			}
		case 2:
			if v := codec.Field32(fixedOdometer, p); v != codec.Absent {
				d.r.Odometer = wq.NewField(float64(v), d.now)
			}
			if v := codec.Field32(fixedRPM, p); v != codec.Absent {
				d.r.RPM = wq.NewField(float64(v), d.now)
			}
			if v := codec.Field32(fixedSpeed, p); v != codec.Absent {
				d.r.Speed = wq.NewField(float64(v), d.now)
			}
		case 6:
			if v := codec.Field32(fixedEngineHours, p); v != codec.Absent {
				d.r.EngineHours = wq.NewField(float64(v)/10, d.now)
			}
		}
	}
}
