package xmodem

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// Session binds a byte channel to transfers over it, one at a time: each
// Send or Receive call runs one transfer, and a call made while another is
// running fails. It owns no transfer state beyond each call's duration.
type Session struct {
	ch     *channel
	logger *slog.Logger

	mu     sync.Mutex
	active bool
}

// NewSession creates a session over transport. logger may be nil, in which
// case slog.Default() is used, matching the teacher's own NewSession.
func NewSession(transport io.ReadWriter, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ch:     newChannel(transport, transport),
		logger: logger,
	}
}

// Send runs the sender state machine to completion, streaming source as
// framed packets. It returns TransferStats regardless of outcome; Success
// reports whether EOT was acknowledged.
func (s *Session) Send(ctx context.Context, source Source) (TransferStats, error) {
	if !s.acquire() {
		return TransferStats{}, errors.New("xmodem: session already active")
	}
	defer s.release()
	return runSender(ctx, s.ch, s.logger, source)
}

// Receive runs the receiver state machine to completion. On success it
// returns the assembled payload (a multiple of the negotiated block size,
// including any trailing SUB padding — trimming is the caller's choice) and
// TransferStats with Success true. On failure it returns a nil payload, the
// stats gathered so far, and a non-nil error.
func (s *Session) Receive(ctx context.Context) ([]byte, TransferStats, error) {
	if !s.acquire() {
		return nil, TransferStats{}, errors.New("xmodem: session already active")
	}
	defer s.release()
	return runReceiver(ctx, s.ch, s.logger)
}

func (s *Session) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return false
	}
	s.active = true
	return true
}

func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}
