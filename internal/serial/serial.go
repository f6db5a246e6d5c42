package serial

import (
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Read when no data arrived within the read timeout.
	ErrTimeout error = timeoutError{}
	// ErrClosed is returned by Read after Close.
	ErrClosed = errors.New("serial: port closed")
	// ErrHangup is returned by Read when the device went away.
	ErrHangup = errors.New("serial: device hung up")
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "serial: read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// DefaultReadTimeout bounds each Read when Config.ReadTimeout is zero.
const DefaultReadTimeout = 10 * time.Millisecond

// Config holds the parameters for opening a serial port.
type Config struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
}

var baudRates = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400}

// ValidBaudRate reports whether Open accepts baud.
func ValidBaudRate(baud int) bool {
	for _, b := range baudRates {
		if b == baud {
			return true
		}
	}
	return false
}
