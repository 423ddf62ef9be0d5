// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimedOut is returned when the sensor did not become readable within
// the caller's deadline. The underlying handle stays open.
var ErrTimedOut = errors.New("sensor read timed out")

const sensorBufSize = 64

// SensorReader performs bounded-latency reads of an ASCII integer from a
// kernel-exposed file. Kernel energy counters expose their current value at
// offset 0, so every read is a pread from the start of the resource.
type SensorReader struct {
	path string
	fd   int
	open bool
}

// OpenSensor opens the resource in non-blocking mode.
func OpenSensor(path string) (*SensorReader, error) {
	r := &SensorReader{path: path, fd: -1}
	if err := r.reopen(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SensorReader) reopen() error {
	if r.open {
		_ = unix.Close(r.fd)
		r.open = false
		r.fd = -1
	}

	fd, err := unix.Open(r.path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.path, err)
	}
	r.fd = fd
	r.open = true
	return nil
}

func (r *SensorReader) Path() string {
	return r.path
}

// ReadU64 reads the current counter value, waiting at most timeout for the
// resource to become readable. An I/O or parse error closes the handle; it
// is reopened on the next call. A timeout leaves the handle open.
func (r *SensorReader) ReadU64(timeout time.Duration) (uint64, error) {
	if !r.open {
		if err := r.reopen(); err != nil {
			return 0, err
		}
	}

	fds := []unix.PollFd{{Fd: int32(r.fd), Events: unix.POLLIN}}
	timeoutMs := int(timeout.Milliseconds())
	if timeoutMs < 0 {
		timeoutMs = 0
	}

	n, err := unix.Poll(fds, timeoutMs)
	if err != nil && !errors.Is(err, unix.EINTR) {
		r.close()
		return 0, fmt.Errorf("poll %s: %w", r.path, err)
	}
	if n == 0 {
		return 0, ErrTimedOut
	}

	var buf [sensorBufSize]byte
	nr, err := unix.Pread(r.fd, buf[:], 0)
	if err != nil {
		r.close()
		return 0, fmt.Errorf("pread %s: %w", r.path, err)
	}

	value, err := parseU64(buf[:nr])
	if err != nil {
		r.close()
		return 0, fmt.Errorf("parse %s: %w", r.path, err)
	}
	return value, nil
}

// Close releases the underlying handle. Safe to call more than once.
func (r *SensorReader) Close() error {
	if !r.open {
		return nil
	}
	err := unix.Close(r.fd)
	r.open = false
	r.fd = -1
	return err
}

func (r *SensorReader) close() {
	_ = r.Close()
}

// parseU64 accepts decimal digits terminated by whitespace or end of
// stream. Any other bytes after trailing whitespace are an error.
func parseU64(b []byte) (uint64, error) {
	i := 0
	var value uint64
	for ; i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			break
		}
		d := uint64(c - '0')
		if value > (^uint64(0)-d)/10 {
			return 0, errors.New("value overflows uint64")
		}
		value = value*10 + d
	}
	if i == 0 {
		return 0, errors.New("no digits")
	}
	for ; i < len(b); i++ {
		switch b[i] {
		case ' ', '\t', '\n', '\r', 0:
		default:
			return 0, fmt.Errorf("trailing garbage at offset %d", i)
		}
	}
	return value, nil
}
