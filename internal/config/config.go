package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"open-daybreak/internal/daybreak"
)

const (
	defaultConfigName = "config"
)

type Config struct {
	ListenPort int
	StatusPort int

	ServerVersion string
	ServerTagline string

	// LogPath enables NDJSON packet telemetry when set. Leave empty to
	// disable file logging.
	LogPath string

	// Daybreak are the per-connection transport options handed to every
	// accepted session.
	Daybreak daybreak.Options

	// Manager tick loop timings.
	TickInterval   time.Duration
	KeepAliveDelay time.Duration
	StaleTimeout   time.Duration
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName(defaultConfigName)
	v.SetConfigType("yaml")

	// Config lives under repo-root config/; also support running from the
	// repo root itself.
	v.AddConfigPath(".")
	v.AddConfigPath("config")

	v.SetEnvPrefix("ODB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen.port", 9000)
	v.SetDefault("status.port", 9001)

	v.SetDefault("server.version", "0.1.0")
	v.SetDefault("server.tagline", "Open Daybreak transport server")

	v.SetDefault("protocol.crc_bytes", 2)
	v.SetDefault("protocol.encode_pass1", "compression")
	v.SetDefault("protocol.encode_pass2", "none")
	v.SetDefault("protocol.max_packet_size", 512)
	v.SetDefault("protocol.fragment_ceiling_bytes", daybreak.DefaultFragmentCeiling)

	v.SetDefault("engine.hold_size", 250)
	v.SetDefault("engine.resend_delay_ms", 150)
	v.SetDefault("engine.resend_delay_min_ms", 300)
	v.SetDefault("engine.resend_delay_max_ms", 5000)
	v.SetDefault("engine.resend_timeout_ms", 30000)
	v.SetDefault("engine.tick_ms", 25)
	v.SetDefault("engine.keepalive_ms", 9000)
	v.SetDefault("engine.stale_timeout_ms", 60000)

	v.SetDefault("telemetry.ndjson_path", "")

	// Config file is optional; env-only is fine.
	_ = v.ReadInConfig()

	pass1, err := parseEncodePass(v.GetString("protocol.encode_pass1"))
	if err != nil {
		return Config{}, fmt.Errorf("protocol.encode_pass1: %w", err)
	}
	pass2, err := parseEncodePass(v.GetString("protocol.encode_pass2"))
	if err != nil {
		return Config{}, fmt.Errorf("protocol.encode_pass2: %w", err)
	}

	cfg := Config{
		ListenPort:    v.GetInt("listen.port"),
		StatusPort:    v.GetInt("status.port"),
		ServerVersion: strings.TrimSpace(v.GetString("server.version")),
		ServerTagline: strings.TrimSpace(v.GetString("server.tagline")),
		LogPath:       v.GetString("telemetry.ndjson_path"),
		Daybreak: daybreak.Options{
			CRCBytes:        uint8(v.GetUint("protocol.crc_bytes")),
			EncodePasses:    [2]daybreak.EncodePass{pass1, pass2},
			MaxPacketSize:   v.GetUint32("protocol.max_packet_size"),
			FragmentCeiling: v.GetUint32("protocol.fragment_ceiling_bytes"),
			HoldSize:        v.GetInt("engine.hold_size"),
			ResendDelay:     time.Duration(v.GetInt("engine.resend_delay_ms")) * time.Millisecond,
			ResendDelayMin:  time.Duration(v.GetInt("engine.resend_delay_min_ms")) * time.Millisecond,
			ResendDelayMax:  time.Duration(v.GetInt("engine.resend_delay_max_ms")) * time.Millisecond,
			ResendTimeout:   time.Duration(v.GetInt("engine.resend_timeout_ms")) * time.Millisecond,
		},
		TickInterval:   time.Duration(v.GetInt("engine.tick_ms")) * time.Millisecond,
		KeepAliveDelay: time.Duration(v.GetInt("engine.keepalive_ms")) * time.Millisecond,
		StaleTimeout:   time.Duration(v.GetInt("engine.stale_timeout_ms")) * time.Millisecond,
	}

	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return Config{}, fmt.Errorf("invalid listen.port %d", cfg.ListenPort)
	}
	if cfg.StatusPort < 0 || cfg.StatusPort > 65535 {
		return Config{}, fmt.Errorf("invalid status.port %d", cfg.StatusPort)
	}
	switch cfg.Daybreak.CRCBytes {
	case 0, 2, 4:
	default:
		return Config{}, fmt.Errorf("invalid protocol.crc_bytes %d, must be 0, 2 or 4", cfg.Daybreak.CRCBytes)
	}
	if cfg.Daybreak.MaxPacketSize < 64 || cfg.Daybreak.MaxPacketSize > 65535 {
		return Config{}, fmt.Errorf("invalid protocol.max_packet_size %d", cfg.Daybreak.MaxPacketSize)
	}
	if cfg.Daybreak.FragmentCeiling == 0 {
		return Config{}, fmt.Errorf("protocol.fragment_ceiling_bytes must be positive")
	}
	if cfg.ServerVersion == "" {
		return Config{}, fmt.Errorf("server.version must not be empty")
	}
	if cfg.TickInterval <= 0 {
		return Config{}, fmt.Errorf("engine.tick_ms must be positive")
	}

	if strings.TrimSpace(cfg.LogPath) != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err != nil {
			return Config{}, fmt.Errorf("create telemetry dir: %w", err)
		}
	}
	return cfg, nil
}

func parseEncodePass(s string) (daybreak.EncodePass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return daybreak.EncodeNone, nil
	case "compression", "zlib":
		return daybreak.EncodeCompression, nil
	case "xor":
		return daybreak.EncodeXOR, nil
	default:
		return daybreak.EncodeNone, fmt.Errorf("unknown encode pass %q", s)
	}
}
