package mesh

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"scmesh/go-core/internal/overlay"
)

// Config is the node configuration. File values are overridden by MESH_*
// environment variables; the passphrase is env-only so it never lands in a
// config file.
type Config struct {
	DataDir             string         `yaml:"dataDir"`
	Passphrase          string         `yaml:"-"`
	DiscoveryIntervalMs int            `yaml:"discoveryIntervalMs"`
	RelayEnabled        *bool          `yaml:"relayEnabled"`
	RelayBudgetPerHour  int            `yaml:"relayBudgetPerHour"`
	BatteryFloorPct     int            `yaml:"batteryFloorPct"`
	MaxHops             int            `yaml:"maxHops"`
	MessageTTLSeconds   int            `yaml:"messageTTLSeconds"`
	LANEnabled          *bool          `yaml:"lanEnabled"`
	LANListenAddr       string         `yaml:"lanListenAddr"`
	OverlayEnabled      *bool          `yaml:"overlayEnabled"`
	Overlay             overlay.Config `yaml:"overlay"`
	QueueMaxEntries     int            `yaml:"queueMaxEntries"`
	QueueMaxAgeHours    int            `yaml:"queueMaxAgeHours"`
	HistoryPerPeer      int            `yaml:"historyPerPeer"`
}

func DefaultConfig() Config {
	enabled := true
	relayOn := true
	overlayOn := true
	return Config{
		DataDir:             "data",
		DiscoveryIntervalMs: 30000,
		RelayEnabled:        &relayOn,
		RelayBudgetPerHour:  300,
		BatteryFloorPct:     10,
		MaxHops:             8,
		MessageTTLSeconds:   86400,
		LANEnabled:          &enabled,
		LANListenAddr:       "0.0.0.0:0",
		OverlayEnabled:      &overlayOn,
		Overlay:             overlay.DefaultConfig(),
		QueueMaxEntries:     2048,
		QueueMaxAgeHours:    72,
		HistoryPerPeer:      500,
	}
}

// LoadConfig reads the yaml file when present, merges it over defaults and
// applies environment overrides last.
func LoadConfig(path string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if path != "" {
		candidates = append(candidates, path)
	} else {
		candidates = append(candidates, "configs/meshd.yaml", "meshd.yaml")
	}
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merge(&cfg, parsed)
		break
	}

	applyEnvOverrides(&cfg)
	return normalizeConfig(cfg)
}

func merge(dst *Config, src Config) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.DiscoveryIntervalMs != 0 {
		dst.DiscoveryIntervalMs = src.DiscoveryIntervalMs
	}
	if src.RelayEnabled != nil {
		dst.RelayEnabled = src.RelayEnabled
	}
	if src.RelayBudgetPerHour != 0 {
		dst.RelayBudgetPerHour = src.RelayBudgetPerHour
	}
	if src.BatteryFloorPct != 0 {
		dst.BatteryFloorPct = src.BatteryFloorPct
	}
	if src.MaxHops != 0 {
		dst.MaxHops = src.MaxHops
	}
	if src.MessageTTLSeconds != 0 {
		dst.MessageTTLSeconds = src.MessageTTLSeconds
	}
	if src.LANEnabled != nil {
		dst.LANEnabled = src.LANEnabled
	}
	if src.LANListenAddr != "" {
		dst.LANListenAddr = src.LANListenAddr
	}
	if src.OverlayEnabled != nil {
		dst.OverlayEnabled = src.OverlayEnabled
	}
	if src.Overlay.Backend != "" {
		dst.Overlay = src.Overlay
	}
	if src.QueueMaxEntries != 0 {
		dst.QueueMaxEntries = src.QueueMaxEntries
	}
	if src.QueueMaxAgeHours != 0 {
		dst.QueueMaxAgeHours = src.QueueMaxAgeHours
	}
	if src.HistoryPerPeer != 0 {
		dst.HistoryPerPeer = src.HistoryPerPeer
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := envString("MESH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := envString("MESH_PASSPHRASE"); v != "" {
		cfg.Passphrase = v
	}
	if v := envString("MESH_LAN_LISTEN"); v != "" {
		cfg.LANListenAddr = v
	}
	cfg.DiscoveryIntervalMs = envIntWithFallback("MESH_DISCOVERY_INTERVAL_MS", cfg.DiscoveryIntervalMs)
	cfg.RelayBudgetPerHour = envIntWithFallback("MESH_RELAY_BUDGET", cfg.RelayBudgetPerHour)
	cfg.BatteryFloorPct = envIntWithFallback("MESH_BATTERY_FLOOR", cfg.BatteryFloorPct)
	if raw := envString("MESH_RELAY_ENABLED"); raw != "" {
		v := envBoolWithFallback("MESH_RELAY_ENABLED", *cfg.RelayEnabled)
		cfg.RelayEnabled = &v
	}
	if raw := envString("MESH_LAN_ENABLED"); raw != "" {
		v := envBoolWithFallback("MESH_LAN_ENABLED", *cfg.LANEnabled)
		cfg.LANEnabled = &v
	}
	if raw := envString("MESH_OVERLAY_ENABLED"); raw != "" {
		v := envBoolWithFallback("MESH_OVERLAY_ENABLED", *cfg.OverlayEnabled)
		cfg.OverlayEnabled = &v
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.DiscoveryIntervalMs < 1000 {
		cfg.DiscoveryIntervalMs = def.DiscoveryIntervalMs
	}
	if cfg.RelayBudgetPerHour < 0 {
		cfg.RelayBudgetPerHour = 0
	}
	if cfg.BatteryFloorPct < 0 {
		cfg.BatteryFloorPct = 0
	}
	if cfg.BatteryFloorPct > 100 {
		cfg.BatteryFloorPct = 100
	}
	if cfg.MaxHops <= 0 || cfg.MaxHops > 255 {
		cfg.MaxHops = def.MaxHops
	}
	if cfg.MessageTTLSeconds <= 0 {
		cfg.MessageTTLSeconds = def.MessageTTLSeconds
	}
	if cfg.QueueMaxEntries <= 0 {
		cfg.QueueMaxEntries = def.QueueMaxEntries
	}
	if cfg.QueueMaxAgeHours <= 0 {
		cfg.QueueMaxAgeHours = def.QueueMaxAgeHours
	}
	if cfg.HistoryPerPeer <= 0 {
		cfg.HistoryPerPeer = def.HistoryPerPeer
	}
	if cfg.RelayEnabled == nil {
		cfg.RelayEnabled = def.RelayEnabled
	}
	if cfg.LANEnabled == nil {
		cfg.LANEnabled = def.LANEnabled
	}
	if cfg.OverlayEnabled == nil {
		cfg.OverlayEnabled = def.OverlayEnabled
	}
	return cfg
}

func (c Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalMs) * time.Millisecond
}

func (c Config) MessageTTL() time.Duration {
	return time.Duration(c.MessageTTLSeconds) * time.Second
}

func (c Config) QueueMaxAge() time.Duration {
	return time.Duration(c.QueueMaxAgeHours) * time.Hour
}

func (c Config) seedPath() string    { return filepath.Join(c.DataDir, "seed.enc") }
func (c Config) queuePath() string   { return filepath.Join(c.DataDir, "queue.enc") }
func (c Config) peersPath() string   { return filepath.Join(c.DataDir, "peers.enc") }
func (c Config) historyPath() string { return filepath.Join(c.DataDir, "history.enc") }

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envBoolWithFallback(key string, fallback bool) bool {
	switch strings.ToLower(envString(key)) {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envIntWithFallback(key string, fallback int) int {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
