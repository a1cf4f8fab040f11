package node

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/keyfold/witness/directory"
	"github.com/keyfold/witness/engine"
)

const envPrefix = "WITNESS"

// Config carries everything a witness daemon needs to run. Values resolve
// in the usual order: defaults, then the config file, then WITNESS_*
// environment variables, then flags.
type Config struct {
	// NetworkID scopes gossip to one quorum following one directory.
	NetworkID string `mapstructure:"network-id"`
	// SelfID is this node's member identity from the membership file.
	SelfID string `mapstructure:"self"`

	ListenAddrs []string `mapstructure:"listen"`
	// Peers to connect to on startup, as full multiaddrs with peer IDs.
	Peers []string `mapstructure:"peers"`

	DataDir string `mapstructure:"data-dir"`
	// MembersFile, QuorumKeyFile and ShareFile default into DataDir.
	// A missing share file turns the node into a follower that verifies
	// and collects but cannot sign.
	MembersFile   string `mapstructure:"members-file"`
	QuorumKeyFile string `mapstructure:"quorum-key-file"`
	ShareFile     string `mapstructure:"share-file"`

	// Threshold is t of the t-of-n quorum the membership file describes.
	Threshold int `mapstructure:"threshold"`

	Window       uint64        `mapstructure:"window"`
	EpochTimeout time.Duration `mapstructure:"epoch-timeout"`

	MetricsAddr string `mapstructure:"metrics-addr"`

	PollInterval time.Duration `mapstructure:"poll-interval"`
	PollAhead    uint64        `mapstructure:"poll-ahead"`

	// SyntheticDirectory runs an in-process directory publishing random
	// epochs. Exactly one member of a demo quorum should enable it.
	SyntheticDirectory bool          `mapstructure:"synthetic-directory"`
	SyntheticInterval  time.Duration `mapstructure:"synthetic-interval"`

	LogLevel string `mapstructure:"log-level"`
}

// LoadConfig resolves the configuration from file, environment and flags.
func LoadConfig(file string, flags *pflag.FlagSet) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetDefault("network-id", "keyfold")
	v.SetDefault("self", "")
	v.SetDefault("listen", []string{
		"/ip4/0.0.0.0/udp/10000/quic-v1",
		"/ip6/::/udp/10000/quic-v1",
	})
	v.SetDefault("peers", []string{})
	v.SetDefault("data-dir", filepath.Join(home, ".witness"))
	v.SetDefault("members-file", "")
	v.SetDefault("quorum-key-file", "")
	v.SetDefault("share-file", "")
	v.SetDefault("threshold", 0)
	v.SetDefault("window", uint64(engine.DefaultWindow))
	v.SetDefault("epoch-timeout", engine.DefaultEpochTimeout)
	v.SetDefault("metrics-addr", "")
	v.SetDefault("poll-interval", directory.DefaultInterval)
	v.SetDefault("poll-ahead", uint64(directory.DefaultAhead))
	v.SetDefault("synthetic-directory", false)
	v.SetDefault("synthetic-interval", 30*time.Second)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", file, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.fillPaths()
	return &cfg, nil
}

func (cfg *Config) fillPaths() {
	if cfg.MembersFile == "" {
		cfg.MembersFile = filepath.Join(cfg.DataDir, "members.json")
	}
	if cfg.QuorumKeyFile == "" {
		cfg.QuorumKeyFile = filepath.Join(cfg.DataDir, "quorum.json")
	}
	if cfg.ShareFile == "" {
		cfg.ShareFile = filepath.Join(cfg.DataDir, "share.json")
	}
}

func (cfg *Config) Validate() error {
	var errs error
	if cfg.NetworkID == "" {
		errs = errors.Join(errs, errors.New("network-id must be set"))
	}
	if cfg.SelfID == "" {
		errs = errors.Join(errs, errors.New("self member id must be set"))
	}
	if cfg.Threshold <= 0 {
		errs = errors.Join(errs, errors.New("threshold must be positive"))
	}
	if len(cfg.ListenAddrs) == 0 {
		errs = errors.Join(errs, errors.New("at least one listen address is required"))
	}
	if _, err := parseLogLevel(cfg.LogLevel); err != nil {
		errs = errors.Join(errs, err)
	}
	return errs
}

// Logger builds the daemon logger at the configured level.
func (cfg *Config) Logger() *slog.Logger {
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}
