package xmodem

import (
	"errors"
	"time"
)

// readByteOrTimeout reads one byte within timeout, translating ErrTimeout
// into timedOut=true instead of a returned error, so callers can tell
// "nothing arrived in time" (drives NAK/retry) apart from a fatal transport
// failure.
func readByteOrTimeout(ch *channel, timeout time.Duration) (b byte, timedOut bool, err error) {
	b, err = ch.readByte(timeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return 0, true, nil
		}
		return 0, false, err
	}
	return b, false, nil
}

// confirmCancel waits briefly for a second CAN after one has already been
// seen, per the protocol's two-byte cancel confirmation. A timeout or any
// other byte means the first CAN was spurious (line noise) and is ignored.
func confirmCancel(ch *channel) (confirmed bool, err error) {
	b, timedOut, err := readByteOrTimeout(ch, cancelConfirmWindow)
	if err != nil {
		return false, err
	}
	if timedOut {
		return false, nil
	}
	return b == CAN, nil
}

// sendCancel3 emits three CAN bytes, forcing the peer to abort.
func sendCancel3(ch *channel) error {
	return ch.writeFlush([]byte{CAN, CAN, CAN})
}
