// Command xmodemctl sends or receives a file over XMODEM, either through a
// real serial port or, for local testing, over stdin/stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sjhobson/goxmodem"
	"github.com/sjhobson/goxmodem/serialchannel"
	"github.com/sjhobson/goxmodem/telemetry"
)

var (
	configPath = flag.String("config", "", "path to an INI config file")
	device     = flag.String("device", "", "serial device path; empty uses stdin/stdout")
	baud       = flag.Int("baud", 115200, "serial baud rate")
	doSend     = flag.Bool("send", false, "send filePath instead of receiving")
	doReceive  = flag.Bool("receive", false, "receive into filePath instead of sending")
	filePath   = flag.String("file", "", "local file to send from or receive into")
	redisAddr  = flag.String("redis-addr", "", "optional redis address for a transfer summary")
	redisPass  = flag.String("redis-pass", "", "redis password")
	redisDB    = flag.Int("redis-db", 0, "redis database number")
)

func main() {
	flag.Parse()

	if *doSend == *doReceive {
		fmt.Fprintln(os.Stderr, "xmodemctl: exactly one of -send or -receive is required")
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("xmodemctl: config load failed", "err", err)
		os.Exit(1)
	}
	cfg = applyFlagOverrides(cfg, explicitFlags())

	if cfg.FilePath == "" {
		fmt.Fprintln(os.Stderr, "xmodemctl: -file is required (directly or via config)")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	transport, err := openTransport(cfg)
	if err != nil {
		logger.Error("xmodemctl: open transport failed", "err", err)
		os.Exit(1)
	}
	defer transport.Close()

	session := xmodem.NewSession(transport, logger)

	var stats xmodem.TransferStats
	if *doSend {
		stats, err = runSend(ctx, session, cfg.FilePath, logger)
	} else {
		stats, err = runReceive(ctx, session, cfg.FilePath, logger)
	}
	if err != nil {
		logger.Error("xmodemctl: transfer failed", "err", err, "stats", stats)
		publishSummary(ctx, cfg, stats, logger)
		os.Exit(1)
	}

	logger.Info("xmodemctl: transfer complete", "mode", stats.Mode.String(), "bytes", stats.Bytes, "blocks", stats.Blocks)
	publishSummary(ctx, cfg, stats, logger)
}

func runSend(ctx context.Context, session *xmodem.Session, path string, logger *slog.Logger) (xmodem.TransferStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return xmodem.TransferStats{}, fmt.Errorf("xmodemctl: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return xmodem.TransferStats{}, fmt.Errorf("xmodemctl: stat %s: %w", path, err)
	}

	logger.Info("xmodemctl: sending", "file", path, "bytes", info.Size())
	return session.Send(ctx, &fileSource{f: f, remaining: info.Size()})
}

func runReceive(ctx context.Context, session *xmodem.Session, path string, logger *slog.Logger) (xmodem.TransferStats, error) {
	logger.Info("xmodemctl: receiving", "file", path)
	data, stats, err := session.Receive(ctx)
	if err != nil {
		return stats, err
	}
	if err := os.WriteFile(path, xmodem.TrimTrailingSUB(data), 0o644); err != nil {
		return stats, fmt.Errorf("xmodemctl: write %s: %w", path, err)
	}
	return stats, nil
}

// openTransport opens the configured serial device, or falls back to
// stdin/stdout (for piping through a test harness or another process) when
// no device is configured.
func openTransport(cfg config) (io.ReadWriteCloser, error) {
	if cfg.Device == "" {
		return stdioTransport{}, nil
	}
	return serialchannel.Open(cfg.Device, cfg.Baud)
}

// stdioTransport adapts the process's stdin/stdout to io.ReadWriteCloser.
// Close is a no-op since the process doesn't own these descriptors.
type stdioTransport struct{}

func (stdioTransport) Read(buf []byte) (int, error)  { return os.Stdin.Read(buf) }
func (stdioTransport) Write(buf []byte) (int, error) { return os.Stdout.Write(buf) }
func (stdioTransport) Close() error                  { return nil }

func publishSummary(ctx context.Context, cfg config, stats xmodem.TransferStats, logger *slog.Logger) {
	if cfg.RedisAddr == "" {
		return
	}
	sink, err := telemetry.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		logger.Warn("xmodemctl: telemetry unavailable", "err", err)
		return
	}
	defer sink.Close()
	if err := sink.PublishTransferSummary(ctx, "xmodem:transfers", stats); err != nil {
		logger.Warn("xmodemctl: telemetry publish failed", "err", err)
	}
}

// explicitFlags returns the flags the user actually passed, keyed by name,
// so config-file values are only overridden where a flag was given.
func explicitFlags() map[string]string {
	set := map[string]string{}
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = f.Value.String()
	})
	return set
}

// fileSource adapts an *os.File to xmodem.Source.
type fileSource struct {
	f         *os.File
	remaining int64
}

func (s *fileSource) Read(buf []byte) (int, error) {
	n, err := s.f.Read(buf)
	s.remaining -= int64(n)
	if s.remaining < 0 {
		s.remaining = 0
	}
	return n, err
}

func (s *fileSource) Remaining() int64 {
	return s.remaining
}
