package xmodem

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

// withShortSenderTimeouts shrinks the sender's timing constants so scenarios
// that exhaust a retry or round budget run in milliseconds.
func withShortSenderTimeouts(t *testing.T) {
	t.Helper()
	origPrefTimeout, origPrefRounds := senderPreferenceTimeout, senderPreferenceRounds
	origEOTTimeout, origEOTRetries := senderEOTTimeout, senderEOTRetries
	senderPreferenceTimeout = 5 * time.Millisecond
	senderPreferenceRounds = 2
	senderEOTTimeout = 5 * time.Millisecond
	senderEOTRetries = 2
	t.Cleanup(func() {
		senderPreferenceTimeout, senderPreferenceRounds = origPrefTimeout, origPrefRounds
		senderEOTTimeout, senderEOTRetries = origEOTTimeout, origEOTRetries
	})
}

type senderResult struct {
	stats TransferStats
	err   error
}

func startSender(ch *channel, source Source) <-chan senderResult {
	out := make(chan senderResult, 1)
	go func() {
		stats, err := runSender(context.Background(), ch, slog.Default(), source)
		out <- senderResult{stats, err}
	}()
	return out
}

func TestRunSenderSingleBlockHappyPath(t *testing.T) {
	senderT, receiverT, senderClose, receiverClose := newTestTransports()
	defer senderClose()
	defer receiverClose()

	results := startSender(newChannel(senderT, senderT), NewSliceSource([]byte("a short payload")))

	if _, err := receiverT.Write([]byte{C}); err != nil {
		t.Fatalf("write preference: %v", err)
	}

	buf := make([]byte, 1)
	if _, err := receiverT.Read(buf); err != nil || buf[0] != SOH {
		t.Fatalf("expected SOH, got %v (err=%v)", buf, err)
	}
	body := make([]byte, 1+1+blockSizeShort+2)
	if _, err := readFullInto(receiverT, body); err != nil {
		t.Fatalf("read block body: %v", err)
	}
	if _, err := receiverT.Write([]byte{ACK}); err != nil {
		t.Fatalf("write ACK: %v", err)
	}

	if _, err := receiverT.Read(buf); err != nil || buf[0] != EOT {
		t.Fatalf("expected EOT, got %v (err=%v)", buf, err)
	}
	if _, err := receiverT.Write([]byte{ACK}); err != nil {
		t.Fatalf("write ACK for EOT: %v", err)
	}

	res := <-results
	if res.err != nil {
		t.Fatalf("runSender: %v", res.err)
	}
	if !res.stats.Success {
		t.Errorf("expected success")
	}
	if res.stats.Blocks != 1 {
		t.Errorf("blocks = %d, want 1", res.stats.Blocks)
	}
}

func TestRunSenderRetransmitsOnNAK(t *testing.T) {
	senderT, receiverT, senderClose, receiverClose := newTestTransports()
	defer senderClose()
	defer receiverClose()

	results := startSender(newChannel(senderT, senderT), NewSliceSource([]byte("retry me")))

	if _, err := receiverT.Write([]byte{C}); err != nil {
		t.Fatalf("write preference: %v", err)
	}

	readBlock := func() {
		buf := make([]byte, 1)
		if _, err := receiverT.Read(buf); err != nil || buf[0] != SOH {
			t.Fatalf("expected SOH, got %v (err=%v)", buf, err)
		}
		body := make([]byte, 1+1+blockSizeShort+2)
		if _, err := readFullInto(receiverT, body); err != nil {
			t.Fatalf("read block body: %v", err)
		}
	}

	readBlock()
	if _, err := receiverT.Write([]byte{NAK}); err != nil {
		t.Fatalf("write NAK: %v", err)
	}
	readBlock() // retransmission of the same block
	if _, err := receiverT.Write([]byte{ACK}); err != nil {
		t.Fatalf("write ACK: %v", err)
	}

	buf := make([]byte, 1)
	if _, err := receiverT.Read(buf); err != nil || buf[0] != EOT {
		t.Fatalf("expected EOT, got %v (err=%v)", buf, err)
	}
	if _, err := receiverT.Write([]byte{ACK}); err != nil {
		t.Fatalf("write ACK for EOT: %v", err)
	}

	res := <-results
	if res.err != nil {
		t.Fatalf("runSender: %v", res.err)
	}
	if res.stats.Blocks != 1 {
		t.Errorf("blocks = %d, want 1", res.stats.Blocks)
	}
}

func TestRunSenderNegotiationExhaustionAborts(t *testing.T) {
	withShortSenderTimeouts(t)

	senderT, _, senderClose, receiverClose := newTestTransports()
	defer senderClose()
	defer receiverClose()

	results := startSender(newChannel(senderT, senderT), NewSliceSource([]byte("data")))

	res := <-results
	if !errors.Is(res.err, ErrNegotiationFailed) {
		t.Fatalf("expected ErrNegotiationFailed, got %v", res.err)
	}
}

func TestRunSenderHonorsPeerCancelDuringBlock(t *testing.T) {
	senderT, receiverT, senderClose, receiverClose := newTestTransports()
	defer senderClose()
	defer receiverClose()

	results := startSender(newChannel(senderT, senderT), NewSliceSource([]byte("cancel this")))

	if _, err := receiverT.Write([]byte{C}); err != nil {
		t.Fatalf("write preference: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := receiverT.Read(buf); err != nil || buf[0] != SOH {
		t.Fatalf("expected SOH, got %v (err=%v)", buf, err)
	}
	body := make([]byte, 1+1+blockSizeShort+2)
	if _, err := readFullInto(receiverT, body); err != nil {
		t.Fatalf("read block body: %v", err)
	}

	if _, err := receiverT.Write([]byte{CAN}); err != nil {
		t.Fatalf("write CAN: %v", err)
	}
	if _, err := receiverT.Write([]byte{CAN}); err != nil {
		t.Fatalf("write CAN: %v", err)
	}

	res := <-results
	if !errors.Is(res.err, ErrPeerCancelled) {
		t.Fatalf("expected ErrPeerCancelled, got %v", res.err)
	}

	if b := readOneByte(t, receiverT); b != ACK {
		t.Fatalf("expected sender to ACK the confirmed cancel, got 0x%02X", b)
	}
}

func TestRunSenderEmptySourceSkipsStraightToEOT(t *testing.T) {
	senderT, receiverT, senderClose, receiverClose := newTestTransports()
	defer senderClose()
	defer receiverClose()

	results := startSender(newChannel(senderT, senderT), NewSliceSource(nil))

	if _, err := receiverT.Write([]byte{C}); err != nil {
		t.Fatalf("write preference: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := receiverT.Read(buf); err != nil || buf[0] != EOT {
		t.Fatalf("expected EOT with no data blocks, got %v (err=%v)", buf, err)
	}
	if _, err := receiverT.Write([]byte{ACK}); err != nil {
		t.Fatalf("write ACK: %v", err)
	}

	res := <-results
	if res.err != nil {
		t.Fatalf("runSender: %v", res.err)
	}
	if res.stats.Blocks != 0 {
		t.Errorf("blocks = %d, want 0", res.stats.Blocks)
	}
}

// readFullInto reads exactly len(buf) bytes from r, one Read call at a time,
// tolerating short reads from the channel-backed test transports.
func readFullInto(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}
