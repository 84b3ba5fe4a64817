package xmodem

import "time"

// TransferStats is a post-hoc summary of a completed (or aborted) session,
// returned alongside the success/failure result. It is computed entirely
// from data the session already owns and is never surfaced mid-transfer, so
// it does not function as an in-flight progress callback.
type TransferStats struct {
	Mode     Mode
	Bytes    int64
	Blocks   int
	Duration time.Duration
	Success  bool
}
