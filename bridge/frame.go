package bridge

import (
	"time"

	"github.com/pkg/errors"
)

const (
	startByte = 0xa5

	headerOffsetStart  = 0
	headerOffsetType   = 1
	headerOffsetLength = 2
	headerLength       = 3

	maxPayload   = 0xff
	frameTimeout = 500 * time.Millisecond
)

// Frame types.
const (
	typeIssue      = 0x01
	typeComplete   = 0x02
	typeFailed     = 0x03
	typeNotify     = 0x04
	typeLost       = 0x05
	typeReset      = 0x06
	typeDiscovered = 0x07
)

var (
	errNoStart     = errors.New("couldn't find start byte")
	errNotEnough   = errors.New("not enough bytes")
	errPayloadSize = errors.New("payload too long")
)

func encodeFrame(typ byte, payload []byte) ([]byte, error) {
	if len(payload) > maxPayload {
		return nil, errors.Wrapf(errPayloadSize, "%v bytes", len(payload))
	}

	b := make([]byte, 0, headerLength+len(payload))
	b = append(b, startByte, typ, byte(len(payload)))
	return append(b, payload...), nil
}

// frame reassembles bridge frames from a byte stream. A partial frame is
// dropped once it is older than frameTimeout.
type frame struct {
	b       []byte
	timeout time.Time
	emit    func([]byte)
	now     func() time.Time
}

func newFrame(emit func([]byte)) *frame {
	return &frame{
		b:    make([]byte, 0, 256),
		emit: emit,
		now:  time.Now,
	}
}

func (f *frame) Assemble(b []byte) {
	switch {
	case len(b) == 0:
		return

	case !f.timeout.IsZero() && f.now().After(f.timeout):
		// stale partial frame
		f.reset()

	default:
	}

	if len(f.b) == 0 {
		if err := f.waitStart(b); err != nil {
			return
		}
	} else {
		f.b = append(f.b, b...)
	}

	rf, err := f.frame()
	if err != nil {
		return
	}
	out := make([]byte, len(rf))
	copy(out, rf)
	f.emit(out)

	// shift
	if len(f.b) > len(rf) {
		rem := make([]byte, len(f.b)-len(rf))
		copy(rem, f.b[len(rf):])
		f.reset()
		f.Assemble(rem)
	} else {
		f.reset()
	}
}

func (f *frame) reset() {
	f.b = make([]byte, 0, 256)
	f.timeout = time.Time{}
}

func (f *frame) waitStart(b []byte) error {
	for i, v := range b {
		if v != startByte {
			continue
		}
		f.timeout = f.now().Add(frameTimeout)
		f.b = append(f.b, b[i:]...)
		return nil
	}
	return errNoStart
}

func (f *frame) frame() ([]byte, error) {
	if len(f.b) < headerLength {
		return nil, errNotEnough
	}

	tl := int(f.b[headerOffsetLength]) + headerLength
	if len(f.b) < tl {
		return nil, errNotEnough
	}
	return f.b[:tl], nil
}
