package xmodem

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type receiverState int

const (
	rxNegotiating receiverState = iota
	rxAwaitingStart
	rxReceivingBlock
	rxCompleted
	rxAborted
)

// runReceiver drives the receive side of a transfer to completion. Mode is
// decided once during negotiation (by the first SOH or STX seen) and held
// fixed for the remainder of the session; block size is taken from each
// block's own start byte.
func runReceiver(ctx context.Context, ch *channel, logger *slog.Logger) (data []byte, stats TransferStats, err error) {
	defer func() {
		if errors.Is(err, ErrTransport) {
			_ = sendCancel3(ch)
		}
	}()
	start := time.Now()
	sink := newBufferSink()

	state := rxNegotiating
	mode := ModeUnknown
	blockSize := blockSizeShort
	pendingStart := byte(0)

	expectedSeq := byte(1)
	hasAccepted := false
	lastAccepted := byte(0)
	errorCount := 0
	blocks := 0

	statsAt := func(success bool) TransferStats {
		return TransferStats{
			Mode:     mode,
			Bytes:    int64(len(sink.Bytes())),
			Blocks:   blocks,
			Duration: time.Since(start),
			Success:  success,
		}
	}

	abort := func(err error) ([]byte, TransferStats, error) {
		_ = sendCancel3(ch)
		return nil, statsAt(false), err
	}

	bumpError := func() bool {
		errorCount++
		return errorCount >= MaxErrors
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, statsAt(false), err
		}

		switch state {
		case rxNegotiating:
			gotMode, gotStart, gotBlockSize, next, err := receiverNegotiate(ctx, ch, logger)
			if err != nil {
				return nil, statsAt(false), err
			}
			switch next {
			case rxCompleted:
				state = rxCompleted
			case rxAborted:
				return abort(ErrNegotiationFailed)
			default:
				mode, pendingStart, blockSize = gotMode, gotStart, gotBlockSize
				logger.Debug("xmodem: negotiated mode", "mode", mode.String())
				state = rxReceivingBlock
			}

		case rxReceivingBlock:
			body, timedOut, err := readBlockBody(ch, blockSize, mode)
			if err != nil {
				return nil, statsAt(false), err
			}
			if timedOut {
				logger.Debug("xmodem: block body timeout")
				if err := ch.writeFlush([]byte{NAK}); err != nil {
					return nil, statsAt(false), err
				}
				if bumpError() {
					return abort(ErrRetryExhausted)
				}
				state = rxAwaitingStart
				continue
			}

			pkt, decErr := decodePacket(pendingStart, body, mode, blockSize)
			switch {
			case decErr != nil:
				logger.Debug("xmodem: invalid frame", "err", decErr)
				if err := ch.writeFlush([]byte{NAK}); err != nil {
					return nil, statsAt(false), err
				}
				if bumpError() {
					return abort(ErrRetryExhausted)
				}
				state = rxAwaitingStart

			case pkt.seq == expectedSeq:
				sink.Write(pkt.payload)
				blocks++
				lastAccepted = pkt.seq
				hasAccepted = true
				expectedSeq++
				errorCount = 0
				if err := ch.writeFlush([]byte{ACK}); err != nil {
					return nil, statsAt(false), err
				}
				state = rxAwaitingStart

			case hasAccepted && pkt.seq == lastAccepted:
				// Benign retransmission of the block we already accepted:
				// our ACK was lost in transit. Re-ACK without re-appending
				// and without touching the error budget.
				logger.Debug("xmodem: duplicate block", "seq", pkt.seq)
				if err := ch.writeFlush([]byte{ACK}); err != nil {
					return nil, statsAt(false), err
				}
				state = rxAwaitingStart

			default:
				return abort(ErrProtocolDesync)
			}

		case rxAwaitingStart:
			b, timedOut, err := readByteOrTimeout(ch, receiverByteTimeout)
			if err != nil {
				return nil, statsAt(false), err
			}
			if timedOut {
				if err := ch.writeFlush([]byte{NAK}); err != nil {
					return nil, statsAt(false), err
				}
				if bumpError() {
					return abort(ErrRetryExhausted)
				}
				continue
			}

			switch b {
			case SOH:
				pendingStart, blockSize = SOH, blockSizeShort
				state = rxReceivingBlock
			case STX:
				pendingStart, blockSize = STX, blockSizeLong
				state = rxReceivingBlock
			case EOT:
				if err := ch.writeFlush([]byte{ACK}); err != nil {
					return nil, statsAt(false), err
				}
				state = rxCompleted
			case CAN:
				confirmed, err := confirmCancel(ch)
				if err != nil {
					return nil, statsAt(false), err
				}
				if confirmed {
					_ = ch.writeFlush([]byte{ACK})
					return nil, statsAt(false), ErrPeerCancelled
				}
				// spurious, keep waiting

			default:
				if err := ch.writeFlush([]byte{NAK}); err != nil {
					return nil, statsAt(false), err
				}
				if bumpError() {
					return abort(ErrRetryExhausted)
				}
			}

		case rxCompleted:
			return sink.Bytes(), statsAt(true), nil
		}
	}
}

// receiverNegotiate sends the CRC preference byte, falling back to the
// checksum preference, until a start byte, EOT, or confirmed cancel arrives.
// It returns the next state: rxReceivingBlock (with mode/start/blockSize
// filled in), rxCompleted (peer had nothing to send), or rxAborted.
func receiverNegotiate(ctx context.Context, ch *channel, logger *slog.Logger) (Mode, byte, int, receiverState, error) {
	preferences := []struct {
		b    byte
		mode Mode
	}{
		{C, ModeCRC},
		{NAK, ModeChecksum},
	}

	for _, pref := range preferences {
		for round := 0; round < receiverPreferenceRounds; round++ {
			if err := ctx.Err(); err != nil {
				return ModeUnknown, 0, 0, rxAborted, err
			}
			if err := ch.writeFlush([]byte{pref.b}); err != nil {
				return ModeUnknown, 0, 0, rxAborted, err
			}
			logger.Debug("xmodem: sent preference byte", "byte", pref.b, "round", round)

			deadline := time.Now().Add(receiverPreferenceTimeout)
			for {
				remaining := time.Until(deadline)
				if remaining <= 0 {
					break
				}
				b, timedOut, err := readByteOrTimeout(ch, remaining)
				if err != nil {
					return ModeUnknown, 0, 0, rxAborted, err
				}
				if timedOut {
					break
				}

				switch b {
				case SOH:
					return pref.mode, SOH, blockSizeShort, rxReceivingBlock, nil
				case STX:
					return ModeCRC1K, STX, blockSizeLong, rxReceivingBlock, nil
				case EOT:
					if err := ch.writeFlush([]byte{ACK}); err != nil {
						return ModeUnknown, 0, 0, rxAborted, err
					}
					return ModeUnknown, 0, 0, rxCompleted, nil
				case CAN:
					confirmed, err := confirmCancel(ch)
					if err != nil {
						return ModeUnknown, 0, 0, rxAborted, err
					}
					if confirmed {
						_ = ch.writeFlush([]byte{ACK})
						return ModeUnknown, 0, 0, rxAborted, ErrPeerCancelled
					}
					// spurious CAN, keep reading within this round
				default:
					// garbage byte during negotiation, ignore
				}
			}
		}
	}

	return ModeUnknown, 0, 0, rxAborted, nil
}

// readBlockBody reads the bytes following an already-consumed start byte:
// sequence, complement, payload, and trailer, each with its own per-byte
// timeout.
func readBlockBody(ch *channel, blockSize int, mode Mode) ([]byte, bool, error) {
	want := 2 + blockSize + mode.trailerSize()
	body := make([]byte, 0, want)
	for i := 0; i < want; i++ {
		b, timedOut, err := readByteOrTimeout(ch, receiverByteTimeout)
		if err != nil {
			return nil, false, err
		}
		if timedOut {
			return nil, true, nil
		}
		body = append(body, b)
	}
	return body, false, nil
}
