package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Watch   WatchConfig   `yaml:"watch"`
	Monitor MonitorConfig `yaml:"monitor"`
	Notify  NotifyConfig  `yaml:"notify"`
	Hub     HubConfig     `yaml:"hub"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

type WatchConfig struct {
	// Roots lists the directories scanned for transcript files. Paths may
	// start with "~" which is expanded to the user's home directory.
	Roots []string `yaml:"roots"`

	// Debounce is the window within which rapid writes to the same
	// transcript collapse into a single change event.
	Debounce time.Duration `yaml:"debounce"`

	// RescanInterval is the polling cadence for paths that could not be
	// watched natively (e.g. inotify watch limit exhausted).
	RescanInterval time.Duration `yaml:"rescan_interval"`
}

type MonitorConfig struct {
	// ProcessPollInterval controls how often the OS process table is
	// enumerated for session correlation.
	ProcessPollInterval time.Duration `yaml:"process_poll_interval"`

	// ProcessNames are the executable names treated as the monitored tool.
	ProcessNames []string `yaml:"process_names"`

	// ActiveWindow is how long after the last assistant message a session
	// still counts as active. Open tuning parameter.
	ActiveWindow time.Duration `yaml:"active_window"`

	// UserTurnGrace is how long after a user message with no assistant
	// reply the session is still considered active. Open tuning parameter.
	UserTurnGrace time.Duration `yaml:"user_turn_grace"`

	// CacheTTL is the idle time after which a session's cache entry is
	// evicted (deferred while a correlated process is alive).
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// RemovalGrace is how long a deleted transcript's session lingers
	// before removal when no process references it.
	RemovalGrace time.Duration `yaml:"removal_grace"`
}

type NotifyConfig struct {
	// Cooldown limits notification-worthy transitions for one session to
	// at most one notification per window.
	Cooldown time.Duration `yaml:"cooldown"`

	// Buffer is the outbound notification channel capacity.
	Buffer int `yaml:"buffer"`
}

type HubConfig struct {
	// SendBuffer is the per-connection outgoing message buffer. A client
	// that overflows it is dropped and must resync.
	SendBuffer int `yaml:"send_buffer"`

	// BroadcastThrottle coalesces a burst of cache puts into one delta frame.
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`

	// SnapshotInterval is the cadence of full-snapshot rebroadcasts.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8420,
			Host: "127.0.0.1",
		},
		Watch: WatchConfig{
			Roots:          []string{"~/.claude/projects"},
			Debounce:       400 * time.Millisecond,
			RescanInterval: 2 * time.Second,
		},
		Monitor: MonitorConfig{
			ProcessPollInterval: 2 * time.Second,
			ProcessNames:        []string{"claude", "claude-code"},
			ActiveWindow:        10 * time.Second,
			UserTurnGrace:       30 * time.Second,
			CacheTTL:            10 * time.Minute,
			RemovalGrace:        30 * time.Second,
		},
		Notify: NotifyConfig{
			Cooldown: 30 * time.Second,
			Buffer:   64,
		},
		Hub: HubConfig{
			SendBuffer:        64,
			BroadcastThrottle: 100 * time.Millisecond,
			SnapshotInterval:  30 * time.Second,
		},
	}
}

// Load reads the YAML config at path, applying defaults for absent fields.
// A missing file is not an error: defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate expands the watch roots and backfills zero thresholds.
// An empty root list is a startup error; everything else degrades at
// runtime instead of failing here.
func (c *Config) Validate() error {
	if len(c.Watch.Roots) == 0 {
		return fmt.Errorf("no watch roots configured")
	}

	expanded := make([]string, 0, len(c.Watch.Roots))
	for _, root := range c.Watch.Roots {
		p, err := ExpandPath(root)
		if err != nil {
			return fmt.Errorf("watch root %q: %w", root, err)
		}
		expanded = append(expanded, p)
	}
	c.Watch.Roots = expanded

	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = 400 * time.Millisecond
	}
	if c.Monitor.ActiveWindow <= 0 {
		c.Monitor.ActiveWindow = 10 * time.Second
	}
	if c.Monitor.CacheTTL <= 0 {
		c.Monitor.CacheTTL = 10 * time.Minute
	}
	return nil
}

// ExpandPath resolves a leading "~" to the user's home directory and
// cleans the result.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return filepath.Clean(path), nil
}
