package xmodem

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

type senderState int

const (
	stxAwaitingPreference senderState = iota
	stxSendingBlock
	stxTerminating
	stxCompleted
	stxAborted
)

// runSender drives the send side of a transfer to completion, streaming
// source as framed packets under the mode the receiver asks for.
func runSender(ctx context.Context, ch *channel, logger *slog.Logger, source Source) (TransferStats, error) {
	start := time.Now()

	state := stxAwaitingPreference
	mode := ModeUnknown
	seq := byte(1)
	blocks := 0
	var bytesSent int64
	var finalErr error

	statsAt := func(success bool) TransferStats {
		return TransferStats{
			Mode:     mode,
			Bytes:    bytesSent,
			Blocks:   blocks,
			Duration: time.Since(start),
			Success:  success,
		}
	}

	for state != stxCompleted && state != stxAborted {
		if err := ctx.Err(); err != nil {
			return statsAt(false), err
		}

		switch state {
		case stxAwaitingPreference:
			gotMode, next, err := senderAwaitPreference(ctx, ch, logger)
			if err != nil {
				finalErr = err
				state = stxAborted
				continue
			}
			switch next {
			case stxAborted:
				_ = sendCancel3(ch)
				finalErr = ErrNegotiationFailed
				state = stxAborted
			case stxCompleted:
				// Peer cancelled before any data was sent.
				finalErr = ErrPeerCancelled
				state = stxAborted
			default:
				mode = gotMode
				logger.Debug("xmodem: negotiated mode", "mode", mode.String())
				state = stxSendingBlock
			}

		case stxSendingBlock:
			if source.Remaining() == 0 {
				state = stxTerminating
				continue
			}

			size := blockSizeShort
			if mode.usesCRC() && source.Remaining() >= blockSizeLong {
				size = blockSizeLong
			}

			raw, n, err := readFullBlock(source, size)
			if err != nil {
				finalErr = err
				state = stxAborted
				continue
			}
			payload := padBlock(raw[:n], size)
			pkt := encodePacket(mode, seq, payload)

			acked, cancelled, err := sendBlockUntilAcked(ch, logger, pkt)
			if err != nil {
				finalErr = err
				state = stxAborted
				continue
			}
			if cancelled {
				finalErr = ErrPeerCancelled
				state = stxAborted
				continue
			}
			if !acked {
				_ = sendCancel3(ch)
				finalErr = ErrRetryExhausted
				state = stxAborted
				continue
			}

			seq++
			blocks++
			bytesSent += int64(n)

		case stxTerminating:
			acked, err := senderTerminate(ch)
			if err != nil {
				finalErr = err
				state = stxAborted
				continue
			}
			if !acked {
				finalErr = ErrRetryExhausted
				state = stxAborted
				continue
			}
			state = stxCompleted
		}
	}

	if state == stxAborted {
		if errors.Is(finalErr, ErrTransport) {
			_ = sendCancel3(ch)
		}
		return statsAt(false), finalErr
	}
	return statsAt(true), nil
}

// senderAwaitPreference waits for the receiver's mode preference byte,
// returning the negotiated mode and the state to move to: stxSendingBlock on
// success, stxCompleted if the receiver cancelled before negotiation even
// started, or stxAborted if no preference byte ever arrived.
func senderAwaitPreference(ctx context.Context, ch *channel, logger *slog.Logger) (Mode, senderState, error) {
	for round := 0; round < senderPreferenceRounds; round++ {
		if err := ctx.Err(); err != nil {
			return ModeUnknown, stxAborted, err
		}

		b, timedOut, err := readByteOrTimeout(ch, senderPreferenceTimeout)
		if err != nil {
			return ModeUnknown, stxAborted, err
		}
		if timedOut {
			logger.Debug("xmodem: preference wait timeout", "round", round)
			continue
		}

		switch b {
		case C:
			return ModeCRC, stxSendingBlock, nil
		case NAK:
			return ModeChecksum, stxSendingBlock, nil
		case CAN:
			confirmed, err := confirmCancel(ch)
			if err != nil {
				return ModeUnknown, stxAborted, err
			}
			if confirmed {
				_ = ch.writeFlush([]byte{ACK})
				return ModeUnknown, stxCompleted, nil
			}
			// spurious, keep waiting
		default:
			// garbage byte during negotiation, ignore
		}
	}
	return ModeUnknown, stxAborted, nil
}

// sendBlockUntilAcked transmits pkt, retransmitting on NAK or timeout, up to
// MaxErrors times for this single packet. The error budget is per packet:
// a run of failures on one block does not carry over to the next, matching
// the protocol's block-at-a-time retry contract.
func sendBlockUntilAcked(ch *channel, logger *slog.Logger, pkt []byte) (acked bool, cancelled bool, err error) {
	errorCount := 0
	for {
		if err := ch.writeFlush(pkt); err != nil {
			return false, false, err
		}

		b, timedOut, err := readByteOrTimeout(ch, senderResponseTimeout)
		if err != nil {
			return false, false, err
		}

		switch {
		case timedOut:
			logger.Debug("xmodem: ACK wait timeout")
		case b == ACK:
			return true, false, nil
		case b == CAN:
			confirmed, err := confirmCancel(ch)
			if err != nil {
				return false, false, err
			}
			if confirmed {
				_ = ch.writeFlush([]byte{ACK})
				return false, true, nil
			}
			// spurious CAN, treat as a failed round below
		default:
			logger.Debug("xmodem: unexpected response, retransmitting", "byte", b)
		}

		errorCount++
		if errorCount >= MaxErrors {
			return false, false, nil
		}
	}
}

// senderTerminate sends EOT until the receiver ACKs or retries are
// exhausted.
func senderTerminate(ch *channel) (bool, error) {
	for attempt := 0; attempt < senderEOTRetries; attempt++ {
		if err := ch.writeFlush([]byte{EOT}); err != nil {
			return false, err
		}
		b, timedOut, err := readByteOrTimeout(ch, senderEOTTimeout)
		if err != nil {
			return false, err
		}
		if !timedOut && b == ACK {
			return true, nil
		}
	}
	return false, nil
}

// readFullBlock fills buf up to size bytes from source, tolerating short
// reads. n may be less than size at end of input; the caller pads the
// remainder.
func readFullBlock(source Source, size int) (buf []byte, n int, err error) {
	buf = make([]byte, size)
	for n < size {
		k, rerr := source.Read(buf[n:])
		n += k
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return nil, 0, rerr
		}
		if k == 0 {
			break
		}
	}
	return buf, n, nil
}
