// Package serialchannel opens a serial port as a read-deadline-capable
// io.ReadWriteCloser suitable for a Session's transport.
package serialchannel

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port wraps a serial.Port to present the SetReadDeadline method the core
// channel expects. serial.Port only exposes a relative SetReadTimeout, so
// each deadline is converted to a duration at the moment it's set.
type Port struct {
	port serial.Port
}

// Open opens device at baud with 8 data bits, no parity, and one stop bit —
// the framing every XMODEM implementation assumes. baud is typically 9600,
// 19200, 57600, or 115200 depending on what the peer expects.
func Open(device string, baud int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("serialchannel: open %s: %w", device, err)
	}
	return &Port{port: p}, nil
}

func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

func (p *Port) Write(buf []byte) (int, error) {
	return p.port.Write(buf)
}

// SetReadDeadline satisfies the deadline-capable transport interface the
// channel adapter probes for. A zero deadline disables the timeout and a
// deadline already past sets a zero timeout, matching the net.Conn
// convention.
func (p *Port) SetReadDeadline(t time.Time) error {
	return p.port.SetReadTimeout(deadlineToTimeout(t, time.Now))
}

// deadlineToTimeout converts an absolute deadline to the relative duration
// serial.Port.SetReadTimeout expects. now is injected so the conversion can
// be tested without relying on the wall clock. A zero deadline disables the
// timeout; a deadline already in the past collapses to zero duration rather
// than a negative one.
func deadlineToTimeout(t time.Time, now func() time.Time) time.Duration {
	if t.IsZero() {
		return serial.NoTimeout
	}
	d := t.Sub(now())
	if d < 0 {
		return 0
	}
	return d
}

func (p *Port) Close() error {
	return p.port.Close()
}
