package xmodem

import "errors"

// Sentinel errors identifying the taxonomy a caller can match with errors.Is.
var (
	// ErrTimeout is returned by the channel adapter when a read deadline
	// expires before a byte arrives. It is not fatal by itself — both state
	// machines treat it as a trigger for NAK/retry logic.
	ErrTimeout = errors.New("xmodem: read timeout")

	// ErrTransport wraps any non-timeout I/O failure from the underlying
	// reader or writer. Fatal: the session aborts after attempting to emit
	// three CAN bytes.
	ErrTransport = errors.New("xmodem: transport error")

	// ErrRetryExhausted is returned when error_count reaches MAX_ERRORS
	// without a successful exchange.
	ErrRetryExhausted = errors.New("xmodem: retry count exhausted")

	// ErrProtocolDesync is returned when a received packet's sequence number
	// is neither the expected next block nor a retransmission of the last
	// accepted block.
	ErrProtocolDesync = errors.New("xmodem: unexpected block sequence")

	// ErrPeerCancelled is returned when the remote peer sends two
	// consecutive CAN bytes.
	ErrPeerCancelled = errors.New("xmodem: cancelled by peer")

	// ErrNegotiationFailed is returned when no usable preference byte (for
	// the sender) or start byte (for the receiver) arrives within the
	// allotted rounds.
	ErrNegotiationFailed = errors.New("xmodem: mode negotiation failed")
)
