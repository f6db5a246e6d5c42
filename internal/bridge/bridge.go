// Package bridge moves bytes from the serial channel into the subscriber
// registry. The blocking read runs on a goroutine pinned to its own OS thread.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"serialcast/internal/serial"
	"serialcast/pkg/realtime"
)

// DefaultBufferSize is the size of the read buffer, and so the largest payload.
const DefaultBufferSize = 30

// Channel is a hardware channel with a bounded per-read timeout. Read must
// report an idle line with an error whose Timeout method returns true.
type Channel interface {
	Read(p []byte) (int, error)
	Close() error
}

// Broadcaster receives every payload read from the channel.
type Broadcaster interface {
	Broadcast(p realtime.Payload) int
}

// Stats is notified of ingestion activity.
type Stats interface {
	ChunkRead(n int)
}

// Config controls a Bridge.
type Config struct {
	// BufferSize bounds a single read. Zero means DefaultBufferSize.
	BufferSize int
	// Echo, when set, receives a copy of every payload.
	Echo   io.Writer
	Logger *slog.Logger
	Stats  Stats
}

// Bridge owns the hardware channel and publishes what it reads.
type Bridge struct {
	channel Channel
	target  Broadcaster
	bufSize int
	echo    io.Writer
	logger  *slog.Logger
	stats   Stats
}

// New wraps an already opened channel.
func New(channel Channel, target Broadcaster, cfg Config) *Bridge {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		channel: channel,
		target:  target,
		bufSize: cfg.BufferSize,
		echo:    cfg.Echo,
		logger:  cfg.Logger,
		stats:   cfg.Stats,
	}
}

// Open opens the serial device described by portCfg and wraps it. Failing
// to open the device is fatal for the caller: nothing could ever be relayed.
func Open(portCfg serial.Config, target Broadcaster, cfg Config) (*Bridge, error) {
	port, err := serial.Open(portCfg)
	if err != nil {
		return nil, fmt.Errorf("opening serial channel: %w", err)
	}
	if cfg.Logger != nil {
		cfg.Logger.Info("receiving serial data", "device", portCfg.Device, "baud", portCfg.BaudRate)
	}
	return New(port, target, cfg), nil
}

// Run reads until the context is cancelled or the channel fails. It returns
// nil after cancellation and a wrapped error after a read failure, which
// ends the feed for good. The channel is closed before Run returns.
func (b *Bridge) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		errc <- b.loop(ctx)
	}()

	select {
	case err := <-errc:
		_ = b.channel.Close()
		return err
	case <-ctx.Done():
		// Closing wakes a read blocked in the channel.
		_ = b.channel.Close()
		<-errc
		return nil
	}
}

func (b *Bridge) loop(ctx context.Context) error {
	buf := make([]byte, b.bufSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := b.channel.Read(buf)
		if n > 0 {
			b.publish(buf[:n])
		}
		switch {
		case err == nil:
		case isTimeout(err):
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("serial read: %w", err)
		}
	}
}

func (b *Bridge) publish(chunk []byte) {
	payload := make(realtime.Payload, len(chunk))
	copy(payload, chunk)

	if b.stats != nil {
		b.stats.ChunkRead(len(payload))
	}
	if b.echo != nil {
		if _, err := b.echo.Write(payload); err != nil {
			b.logger.Warn("echo write failed", "error", err)
		}
	}
	b.target.Broadcast(payload)
}

func isTimeout(err error) bool {
	if errors.Is(err, serial.ErrTimeout) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
