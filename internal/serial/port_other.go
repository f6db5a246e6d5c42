//go:build !linux

package serial

import "errors"

var errUnsupported = errors.New("serial: only supported on linux")

// Port is unavailable on this platform.
type Port struct{}

// Open always fails on this platform.
func Open(Config) (*Port, error) { return nil, errUnsupported }

func (*Port) Read([]byte) (int, error)  { return 0, errUnsupported }
func (*Port) Write([]byte) (int, error) { return 0, errUnsupported }
func (*Port) Close() error              { return nil }
