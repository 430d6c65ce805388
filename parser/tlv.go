package parser

import (
	"fmt"
	"time"

	"github.com/geometris/wq"
	"github.com/geometris/wq/codec"
	"github.com/geometris/wq/sliceops"
)

// tag values of the protocol 1 stream
var tags = struct {
	vin         byte
	odometer    byte
	rpm         byte
	coolant     byte
	speed       byte
	fuelLevel   byte
	ecuVoltage  byte
	throttle    byte
	ambientTemp byte
	mpg         byte
	tripMpg     byte
	instantMpg  byte
	milStatus   byte
	dtcCount    byte
	dtcList     byte
	regenSwitch byte
	engineHours byte
	reserved    byte
	latitude    byte
	longitude   byte
	gpsTime     byte
	evReason    byte
	evTimestamp byte
	evHours     byte
	evSpeed     byte
	evOdometer  byte
	evLatitude  byte
	evLongitude byte
	evGPSTime   byte
	evTotal     byte
}{
	vin:         0x01,
	odometer:    0x02,
	rpm:         0x03,
	coolant:     0x04,
	speed:       0x05,
	fuelLevel:   0x06,
	ecuVoltage:  0x07,
	throttle:    0x08,
	ambientTemp: 0x09,
	mpg:         0x0a,
	tripMpg:     0x0b,
	instantMpg:  0x0c,
	milStatus:   0x0d,
	dtcCount:    0x0e,
	dtcList:     0x0f,
	regenSwitch: 0x10,
	engineHours: 0x11,
	reserved:    0x12,
	latitude:    0x13,
	longitude:   0x14,
	gpsTime:     0x15,
	evReason:    0x16,
	evTimestamp: 0x17,
	evHours:     0x18,
	evSpeed:     0x19,
	evOdometer:  0x1a,
	evLatitude:  0x1b,
	evLongitude: 0x1c,
	evGPSTime:   0x1d,
	evTotal:     0x1e,
}

type tagKind int

const (
	tagText tagKind = iota // length-prefixed, one char per 2 bytes
	tagValue               // 4 byte word-swapped uint32
	tagSkip                // 4 byte payload, not decoded
	tagList                // count-prefixed list, skipped
)

type tagRecord struct {
	kind tagKind
	set  func(d *decoder, v int64)
}

const coordScale = 100000

var tagDecodeMap = map[byte]tagRecord{
	tags.vin:         {tagText, nil},
	tags.odometer:    {tagValue, func(d *decoder, v int64) { d.r.Odometer = wq.NewField(float64(v), d.now) }},
	tags.rpm:         {tagValue, func(d *decoder, v int64) { d.r.RPM = wq.NewField(float64(v), d.now) }},
	tags.coolant:     {tagSkip, nil},
	tags.speed:       {tagValue, func(d *decoder, v int64) { d.r.Speed = wq.NewField(float64(v), d.now) }},
	tags.fuelLevel:   {tagSkip, nil},
	tags.ecuVoltage:  {tagSkip, nil},
	tags.throttle:    {tagSkip, nil},
	tags.ambientTemp: {tagSkip, nil},
	tags.mpg:         {tagSkip, nil},
	tags.tripMpg:     {tagSkip, nil},
	tags.instantMpg:  {tagSkip, nil},
	tags.milStatus:   {tagSkip, nil},
	tags.dtcCount:    {tagSkip, nil},
	tags.dtcList:     {tagList, nil},
	tags.regenSwitch: {tagSkip, nil},
	tags.engineHours: {tagValue, func(d *decoder, v int64) { d.r.EngineHours = wq.NewField(float64(v)/10, d.now) }},
	tags.reserved:    {tagSkip, nil},
	tags.latitude:    {tagValue, func(d *decoder, v int64) { d.r.Latitude = wq.NewField(float64(v)/coordScale, d.now) }},
	tags.longitude:   {tagValue, func(d *decoder, v int64) { d.r.Longitude = wq.NewField(float64(v)/coordScale, d.now) }},
	tags.gpsTime:     {tagValue, func(d *decoder, v int64) { d.r.GPSTime = wq.NewField(v*1000, d.now) }},
	tags.evReason:    {tagValue, func(d *decoder, v int64) { d.ev.Reason = &v }},
	tags.evTimestamp: {tagValue, func(d *decoder, v int64) { d.ev.Timestamp = &v }},
	tags.evHours:     {tagValue, func(d *decoder, v int64) { d.ev.EngineHours = float(float64(v)) }},
	tags.evSpeed:     {tagValue, func(d *decoder, v int64) { d.ev.Speed = float(float64(v)) }},
	tags.evOdometer:  {tagValue, func(d *decoder, v int64) { d.ev.Odometer = float(float64(v)) }},
	tags.evLatitude:  {tagValue, func(d *decoder, v int64) { d.ev.Latitude = float(float64(v) / coordScale) }},
	tags.evLongitude: {tagValue, func(d *decoder, v int64) { d.ev.Longitude = float(float64(v) / coordScale) }},
	tags.evGPSTime:   {tagValue, func(d *decoder, v int64) { d.ev.GPSTimestamp = &v }},
	tags.evTotal:     {tagValue, func(d *decoder, v int64) { d.r.UnidentifiedTotal = wq.NewField(v, d.now) }},
}

func float(v float64) *float64 { return &v }

// ErrTruncated reports where a protocol 1 walk stopped early. The record
// returned alongside it holds every field decoded before that point.
type ErrTruncated struct {
	Tag    byte
	Offset int
	Reason string
}

func (e *ErrTruncated) Error() string {
	return fmt.Sprintf("tlv stopped at offset %v, tag 0x%02x: %v", e.Offset, e.Tag, e.Reason)
}

type decoder struct {
	r   *wq.Record
	ev  wq.UnidentifiedEvent
	now time.Time
}

// stream joins the fragments of a protocol 1 frame. The index byte of every
// fragment and the header of fragment 0 are dropped.
func stream(total int, packets map[byte][]byte) []byte {
	buf := make([]byte, 0, total*20)
	for pi := 0; pi < total; pi++ {
		p := packets[byte(pi)]
		for k := 1; k < len(p); k++ {
			if pi == 0 && k < headerLen {
				continue
			}
			buf = append(buf, p[k])
		}
	}
	return buf
}

func decodeTLV(total int, packets map[byte][]byte, d *decoder) error {
	return walk(stream(total, packets), d)
}

// walk decodes records of the form [tag, pad, payload...]. Payload bytes of
// text and list records sit at every other position.
func walk(buf []byte, d *decoder) error {
	i := streamStart
	for i < len(buf) {
		tag := buf[i]
		dec, ok := tagDecodeMap[tag]
		if !ok {
			return &ErrTruncated{tag, i, "unknown tag"}
		}

		switch dec.kind {
		case tagText:
			i += 2
			if i >= len(buf) {
				return &ErrTruncated{tag, i, "missing length"}
			}
			n := int(int8(buf[i]))
			i += 2
			if n <= 0 {
				continue
			}
			if i+2*(n-1) >= len(buf) {
				return &ErrTruncated{tag, i, "short text"}
			}
			s := make([]byte, n)
			for j := range s {
				s[j] = buf[i]
				i += 2
			}
			d.r.VIN = wq.NewField(string(s), d.now)

		case tagValue:
			i += 2
			w := sliceops.SwapWords(buf, i)
			if w == nil {
				return &ErrTruncated{tag, i, "short value"}
			}
			i += 4
			if v := codec.Field32(0, w); v != codec.Absent {
				dec.set(d, v)
			}

		case tagSkip:
			i += 6

		case tagList:
			i += 2
			if i >= len(buf) {
				return &ErrTruncated{tag, i, "missing count"}
			}
			n := int(buf[i])
			i += 2 + n*2
		}
	}

	return nil
}
