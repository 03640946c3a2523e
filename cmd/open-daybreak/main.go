// Command open-daybreak runs the Daybreak UDP transport server.
//
// It starts:
// - the UDP connection manager (handshake, streams, resend, combining),
// - the application-opcode dispatcher, and
// - a plain-text status endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"open-daybreak/internal/config"
	"open-daybreak/internal/packetlog"
	"open-daybreak/internal/server"
	"open-daybreak/internal/state"
	"open-daybreak/internal/status"
)

func fatal(msg string, err error, attrs ...any) {
	args := make([]any, 0, 2+len(attrs))
	args = append(args, "err", err)
	args = append(args, attrs...)
	slog.Error(msg, args...)
	os.Exit(1)
}

func preflightPort(port int) error {
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("port %d unavailable for udp listen: %w", port, err)
	}
	_ = conn.Close()
	return nil
}

func main() {
	// Set up logging first so early failures are captured consistently.
	runID := packetlog.MakeRunID()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("run_id", runID))

	cfg, err := config.Load()
	if err != nil {
		fatal("config load failed", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shutdown watch: once a shutdown signal is received, allow a bounded window
	// for goroutines to exit cleanly before forcing termination.
	go func() {
		<-ctx.Done()
		t := time.NewTimer(60 * time.Second)
		defer t.Stop()
		<-t.C
		slog.Error("shutdown timed out after 60s, forcing exit")
		os.Exit(2)
	}()

	slog.Info(
		"starting open-daybreak",
		"listen_port", cfg.ListenPort,
		"status_port", cfg.StatusPort,
		"crc_bytes", cfg.Daybreak.CRCBytes,
		"encode_pass1", cfg.Daybreak.EncodePasses[0].String(),
		"encode_pass2", cfg.Daybreak.EncodePasses[1].String(),
		"max_packet_size", cfg.Daybreak.MaxPacketSize,
	)

	var pl *packetlog.Logger
	if cfg.LogPath != "" {
		var err error
		pl, err = packetlog.New(cfg.LogPath)
		if err != nil {
			fatal("open ndjson telemetry file failed", err, "path", cfg.LogPath)
		}
		defer func() { _ = pl.Close() }()
		slog.Info("ndjson telemetry enabled", "path", cfg.LogPath)
	} else {
		slog.Info("ndjson telemetry disabled (default); set ODB_TELEMETRY_NDJSON_PATH to enable")
	}

	if err := preflightPort(cfg.ListenPort); err != nil {
		fatal("listen port preflight failed", err, "port", cfg.ListenPort)
	}

	sessions := state.NewSessionStore()
	dispatcher := server.NewDispatcher()
	dispatcher.SetFallback(func(peer *server.Peer, appOpcode uint16, payload []byte) {
		slog.Warn("unhandled application opcode",
			"endpoint", peer.Endpoint(),
			"app_opcode", fmt.Sprintf("0x%04x", appOpcode),
			"len", len(payload),
		)
	})

	manager := server.NewManager(cfg, runID, pl, dispatcher, sessions)
	if err := manager.Listen(); err != nil {
		fatal("udp listen failed", err, "port", cfg.ListenPort)
	}
	slog.Info("udp manager listening", "addr", manager.Addr().String())

	if cfg.StatusPort != 0 {
		_, err = status.Start(ctx, fmt.Sprintf(":%d", cfg.StatusPort), func() status.Data {
			stats := manager.Stats()
			snap := sessions.Snapshot()
			sort.Slice(snap, func(i, j int) bool { return snap[i].Endpoint < snap[j].Endpoint })
			rows := make([]status.Row, 0, len(snap))
			for _, s := range snap {
				rows = append(rows, status.Row{
					Endpoint:    s.Endpoint,
					ConnectCode: fmt.Sprintf("0x%08x", s.ConnectCode),
					ConnectedAt: s.ConnectedAt.UTC().Format(time.RFC3339),
					LastSeen:    s.LastSeen.UTC().Format(time.RFC3339),
				})
			}
			return status.Data{
				Tagline:     cfg.ServerTagline,
				Version:     cfg.ServerVersion,
				RunID:       runID,
				ServerTime:  time.Now().UTC().Format(time.RFC3339),
				Sessions:    stats.Sessions,
				SentPackets: stats.SentPackets,
				RecvPackets: stats.RecvPackets,
				Rows:        rows,
			}
		})
		if err != nil {
			fatal("status server start failed", err, "port", cfg.StatusPort)
		}
	}

	if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal("udp manager error", err)
	}
	slog.Info("shutdown requested")
}
