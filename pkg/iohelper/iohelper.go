// Package iohelper provides bounded reads for HTTP bodies and raw TCP
// banners, so a hostile target can never exhaust memory or stall a worker.
package iohelper

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"
)

// ReadBody reads from r up to maxSize bytes.
// If r is nil, returns an empty slice and no error.
//
// Usage:
//
//	body, err := iohelper.ReadBody(resp.Body, defaults.ProbeMaxBody)
func ReadBody(r io.Reader, maxSize int64) ([]byte, error) {
	if r == nil {
		return []byte{}, nil
	}
	return io.ReadAll(io.LimitReader(r, maxSize))
}

// ReadBodyOrLog reads r with ReadBody and logs any error.
func ReadBodyOrLog(r io.Reader, maxSize int64, logger *slog.Logger) []byte {
	data, err := ReadBody(r, maxSize)
	if err != nil && logger != nil {
		logger.Warn("body read failed", slog.String("error", err.Error()))
	}
	return data
}

// DrainAndClose discards up to 64KB of remaining data so the connection can
// be reused, then closes r if it is a ReadCloser. Always returns nil to allow
// use in defer.
func DrainAndClose(r io.Reader) error {
	if r == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 64*1024))
	if rc, ok := r.(io.ReadCloser); ok {
		rc.Close()
	}
	return nil
}

// ReadBanner reads at most maxBytes from conn, stopping at the deadline.
// A timeout is not an error: whatever was read so far is returned.
func ReadBanner(conn net.Conn, maxBytes int, wait time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, maxBytes)
	n := 0
	for n < maxBytes {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
				return buf[:n], nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return buf[:n], nil
			}
			return buf[:n], err
		}
		// Greetings usually arrive in one segment; only wait a short grace
		// period for a continuation once something has been read.
		if n > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(wait / 4))
		}
	}
	return buf[:n], nil
}
