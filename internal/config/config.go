// Package config loads fluxbridge configuration.
//
// Configuration comes from a single YAML file named by the --config flag
// or the FLUXBRIDGE_CONFIG environment variable. Zero values are replaced
// by defaults, so an empty file (or no file at all) yields a working
// configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable consulted when no --config flag
// is given.
const EnvVar = "FLUXBRIDGE_CONFIG"

const (
	DefaultClipboardInterval   = 500 * time.Millisecond
	DefaultChunkSize           = 16 * 1024
	DefaultTransferTimeout     = 30 * time.Second
	DefaultHandshakeTimeout    = 20 * time.Second
	DefaultBrowseInterval      = 10 * time.Second
	DefaultPeerTTL             = 30 * time.Second
	DefaultClipboardQueueDepth = 16
	DefaultFileQueueDepth      = 64
	DefaultReconnectAttempts   = 5
	DefaultReconnectInitial    = time.Second
	DefaultReconnectMax        = 30 * time.Second
)

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type Config struct {
	// Name is the display name published in the discovery record.
	Name string `yaml:"name"`

	// SignalingAddr is the listen address of the signaling server.
	// ":0" picks a free port; the chosen port is advertised.
	SignalingAddr string `yaml:"signaling_addr"`

	// DataDir holds the history database. Received files go to
	// DownloadDir.
	DataDir     string `yaml:"data_dir"`
	DownloadDir string `yaml:"download_dir"`

	// History disables the sqlite history store when false.
	History *bool `yaml:"history,omitempty"`

	Clipboard ClipboardConfig `yaml:"clipboard"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Peer      PeerConfig      `yaml:"peer"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	ICE       ICEConfig       `yaml:"ice"`
	Log       LogConfig       `yaml:"log"`
}

type ClipboardConfig struct {
	Enabled  *bool         `yaml:"enabled,omitempty"`
	Interval time.Duration `yaml:"interval"`
}

type DiscoveryConfig struct {
	// BrowseInterval restarts browsing so long-lived records are
	// reported again and their LastSeen refreshed.
	BrowseInterval time.Duration `yaml:"browse_interval"`

	// PeerTTL is the liveness timeout after which an unrefreshed peer is
	// dropped from the directory.
	PeerTTL time.Duration `yaml:"peer_ttl"`
}

type TransferConfig struct {
	ChunkSize int           `yaml:"chunk_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type PeerConfig struct {
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	ClipboardQueueDepth int           `yaml:"clipboard_queue_depth"`
	FileQueueDepth      int           `yaml:"file_queue_depth"`
}

type ReconnectConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type ICEConfig struct {
	// STUNServers is used verbatim; an explicit empty list means host
	// candidates only.
	STUNServers []string `yaml:"stun_servers"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// Load reads the file at path (or $FLUXBRIDGE_CONFIG when path is empty)
// and applies defaults. With neither set, defaults are returned.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "fluxbridge"
		}
		c.Name = host
	}
	if c.SignalingAddr == "" {
		c.SignalingAddr = ":0"
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(c.DataDir, "downloads")
	}
	if c.History == nil {
		enabled := true
		c.History = &enabled
	}
	if c.Clipboard.Enabled == nil {
		enabled := true
		c.Clipboard.Enabled = &enabled
	}
	if c.Clipboard.Interval == 0 {
		c.Clipboard.Interval = DefaultClipboardInterval
	}
	if c.Discovery.BrowseInterval == 0 {
		c.Discovery.BrowseInterval = DefaultBrowseInterval
	}
	if c.Discovery.PeerTTL == 0 {
		c.Discovery.PeerTTL = DefaultPeerTTL
	}
	if c.Transfer.ChunkSize == 0 {
		c.Transfer.ChunkSize = DefaultChunkSize
	}
	if c.Transfer.Timeout == 0 {
		c.Transfer.Timeout = DefaultTransferTimeout
	}
	if c.Peer.HandshakeTimeout == 0 {
		c.Peer.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Peer.ClipboardQueueDepth == 0 {
		c.Peer.ClipboardQueueDepth = DefaultClipboardQueueDepth
	}
	if c.Peer.FileQueueDepth == 0 {
		c.Peer.FileQueueDepth = DefaultFileQueueDepth
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultReconnectAttempts
	}
	if c.Reconnect.InitialInterval == 0 {
		c.Reconnect.InitialInterval = DefaultReconnectInitial
	}
	if c.Reconnect.MaxInterval == 0 {
		c.Reconnect.MaxInterval = DefaultReconnectMax
	}
	if c.ICE.STUNServers == nil {
		c.ICE.STUNServers = append([]string(nil), defaultSTUNServers...)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Transfer.ChunkSize < 0 || c.Transfer.ChunkSize > 256*1024 {
		errs = append(errs, fmt.Errorf("transfer.chunk_size must be in (0, 262144], got %d", c.Transfer.ChunkSize))
	}
	if c.Clipboard.Interval < 0 {
		errs = append(errs, errors.New("clipboard.interval must be positive"))
	}
	if c.Peer.ClipboardQueueDepth < 0 || c.Peer.FileQueueDepth < 0 {
		errs = append(errs, errors.New("peer queue depths must be positive"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	if c.Discovery.PeerTTL > 0 && c.Discovery.PeerTTL < c.Discovery.BrowseInterval {
		errs = append(errs, fmt.Errorf("discovery.peer_ttl (%s) must not be shorter than discovery.browse_interval (%s)",
			c.Discovery.PeerTTL, c.Discovery.BrowseInterval))
	}
	return errors.Join(errs...)
}

// HistoryEnabled reports whether the history store should be opened.
func (c *Config) HistoryEnabled() bool {
	return c.History == nil || *c.History
}

// ClipboardEnabled reports whether clipboard sync should run.
func (c *Config) ClipboardEnabled() bool {
	return c.Clipboard.Enabled == nil || *c.Clipboard.Enabled
}

// HistoryPath is the sqlite file used by the history store.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.sqlite3")
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "fluxbridge")
	}
	return filepath.Join(os.TempDir(), "fluxbridge")
}
