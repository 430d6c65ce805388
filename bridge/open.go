package bridge

import (
	"net"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"

	"github.com/geometris/wq"
)

const defaultIOTimeout = time.Second

// OpenUART opens the bridge on a serial port, 8N1.
func OpenUART(port string, baud uint, l wq.Logger) (*Bridge, error) {
	opts := serial.OpenOptions{
		PortName:        port,
		BaudRate:        baud,
		DataBits:        8,
		StopBits:        1,
		ParityMode:      serial.PARITY_NONE,
		MinimumReadSize: 0,
		// units of 100ms
		InterCharacterTimeout: 100,
	}

	sp, err := serial.Open(opts)
	if err != nil {
		return nil, &wq.Error{Code: wq.ConnectionFailed, Msg: errors.Wrapf(err, "can't open %s", port).Error()}
	}

	b := newBridge(sp, l)
	b.eofIdle = true
	b.start()
	return b, nil
}

// Dial connects to a bridge served over TCP, such as a ser2net port.
func Dial(addr string, timeout time.Duration, l wq.Logger) (*Bridge, error) {
	if timeout <= 0 {
		timeout = defaultIOTimeout
	}

	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, &wq.Error{Code: wq.ConnectionFailed, Msg: errors.Wrapf(err, "can't dial %s", addr).Error()}
	}

	return New(&connWithTimeout{c: c, timeout: timeout}, l), nil
}

type connWithTimeout struct {
	c       net.Conn
	timeout time.Duration
}

func (cwt *connWithTimeout) Read(b []byte) (int, error) {
	_ = cwt.c.SetReadDeadline(time.Now().Add(cwt.timeout))
	return cwt.c.Read(b)
}

func (cwt *connWithTimeout) Write(b []byte) (int, error) {
	_ = cwt.c.SetWriteDeadline(time.Now().Add(cwt.timeout))
	return cwt.c.Write(b)
}

func (cwt *connWithTimeout) Close() error {
	return cwt.c.Close()
}
