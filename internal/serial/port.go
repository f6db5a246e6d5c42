//go:build linux

package serial

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Port is a raw serial port opened for reading with a bounded per-read timeout.
// Read must not be called concurrently; Close may be called from any goroutine.
type Port struct {
	fd      int
	file    *os.File
	timeout time.Duration

	// mu is held shared by Read and exclusively while Close releases the
	// descriptors, so a Read never polls a descriptor number already reused.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	pipeR     int
	pipeW     int
}

// Open opens the device in raw 8N1 mode at the configured baud rate.
func Open(cfg Config) (*Port, error) {
	baud, err := baudToUnix(cfg.BaudRate)
	if err != nil {
		return nil, err
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}

	if err := configureRaw(fd, baud); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("configure %s: %w", cfg.Device, err)
	}

	pipeFds := make([]int, 2)
	if err := unix.Pipe2(pipeFds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	return &Port{
		fd:      fd,
		file:    os.NewFile(uintptr(fd), cfg.Device),
		timeout: timeout,
		pipeR:   pipeFds[0],
		pipeW:   pipeFds[1],
	}, nil
}

func configureRaw(fd int, baud uint32) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud
	termios.Ispeed = baud
	termios.Ospeed = baud

	// Reads are gated by poll; the fd itself stays non-blocking.
	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// Read waits up to the read timeout for data and reads what is available
// into p. It returns ErrTimeout when nothing arrived.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, ErrClosed
	}

	pfd := []unix.PollFd{
		{Fd: int32(p.fd), Events: unix.POLLIN},
		{Fd: int32(p.pipeR), Events: unix.POLLIN},
	}
	n, err := unix.Poll(pfd, int(p.timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, ErrTimeout
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	if pfd[1].Revents != 0 {
		return 0, ErrClosed
	}

	revents := pfd[0].Revents
	if revents&unix.POLLIN != 0 {
		n, err := unix.Read(p.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return 0, ErrTimeout
			}
			return 0, fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			return 0, ErrHangup
		}
		return n, nil
	}
	if revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		return 0, ErrHangup
	}
	return 0, ErrTimeout
}

// Write writes b to the port.
func (p *Port) Write(b []byte) (int, error) {
	return p.file.Write(b)
}

// Close wakes a Read blocked in poll, waits for it to return, then releases
// the port. Safe to call multiple times.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		_, _ = unix.Write(p.pipeW, []byte{1})

		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = true
		err = p.file.Close()
		unix.Close(p.pipeR)
		unix.Close(p.pipeW)
	})
	return err
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 1200:
		return unix.B1200, nil
	case 2400:
		return unix.B2400, nil
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	default:
		return 0, fmt.Errorf("serial: unsupported baud rate %d", baud)
	}
}
