package config

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/you/ailicia-topchat/internal/core"
)

type Config struct {
	API         APIConfig
	Stream      StreamConfig
	Coordinator CoordinatorConfig
	Sink        SinkConfig
	Log         LogConfig
}

type APIConfig struct {
	Key     string
	KeyFile string
	Channel string
	BaseURL string
	// LegacyKeyEnv names the AI_LICIA_* variable the key came from, if any.
	LegacyKeyEnv string
}

type StreamConfig struct {
	Roles    []core.Role
	Excluded []string

	Reconnect         bool
	ReconnectDelayMS  int
	ReconnectMult     float64
	ReconnectJitterMS int
	MaxAttempts       int
	DebugDrops        bool
	TraceIngest       bool
}

type CoordinatorConfig struct {
	ContextIntervalMS    int
	ContextTTLSecs       int
	OvertakeEnabled      bool
	OvertakeIntervalMS   int
	GenerationCooldownMS int
}

type SinkConfig struct {
	SQLite     SQLiteConfig
	BatchSize  int
	FlushMaxMS int
}

type SQLiteConfig struct {
	Path string
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

const (
	DefaultBaseURL = "https://api.getailicia.com/v1"

	defaultContextIntervalMS = 60_000
	minContextIntervalMS     = 15_000
	defaultCooldownMS        = 25_000
	defaultReconnectDelayMS  = 4_000
	defaultReconnectMult     = 1.5
	defaultReconnectJitterMS = 1_000
	defaultBatchSize         = 50
	defaultFlushMS           = 1000
)

func Load() Config {
	cfg := Config{}

	cfg.API.Key = strings.TrimSpace(os.Getenv("AILICIA_API_KEY"))
	if cfg.API.Key == "" {
		cfg.API.Key = strings.TrimSpace(os.Getenv("AI_LICIA_API_KEY"))
		if cfg.API.Key != "" {
			cfg.API.LegacyKeyEnv = "AI_LICIA_API_KEY"
		}
	}
	cfg.API.KeyFile = strings.TrimSpace(os.Getenv("AILICIA_API_KEY_FILE"))
	cfg.API.Channel = firstEnv("AILICIA_CHANNEL", "AI_LICIA_CHANNEL")
	cfg.API.BaseURL = NormalizeBaseURL(firstEnv("AILICIA_API_URL", "AI_LICIA_API_URL"))

	cfg.Stream.Roles = ParseRoles(os.Getenv("AILICIA_ROLES"))
	cfg.Stream.Excluded = splitList(os.Getenv("AILICIA_EXCLUDED"))
	cfg.Stream.Reconnect = readBool("AILICIA_RECONNECT", true)
	cfg.Stream.ReconnectDelayMS = readInt("AILICIA_RECONNECT_DELAY_MS", defaultReconnectDelayMS)
	cfg.Stream.ReconnectMult = readFloat("AILICIA_RECONNECT_MULTIPLIER", defaultReconnectMult)
	if cfg.Stream.ReconnectMult < 1 {
		cfg.Stream.ReconnectMult = 1
	}
	cfg.Stream.ReconnectJitterMS = readNonNegInt("AILICIA_RECONNECT_JITTER_MS", defaultReconnectJitterMS)
	cfg.Stream.MaxAttempts = readNonNegInt("AILICIA_RECONNECT_MAX_ATTEMPTS", 0)
	cfg.Stream.DebugDrops = readBool("AILICIA_DEBUG_DROPS", false)
	cfg.Stream.TraceIngest = readBool("AILICIA_TRACE_INGEST", false)

	cfg.Coordinator.ContextIntervalMS = readInt("AILICIA_CONTEXT_INTERVAL_MS", defaultContextIntervalMS)
	if cfg.Coordinator.ContextIntervalMS < minContextIntervalMS {
		cfg.Coordinator.ContextIntervalMS = minContextIntervalMS
	}
	cfg.Coordinator.ContextTTLSecs = readNonNegInt("AILICIA_CONTEXT_TTL_SECS", 0)
	cfg.Coordinator.OvertakeEnabled = readBool("AILICIA_OVERTAKE_ENABLED", true)
	cfg.Coordinator.OvertakeIntervalMS = readNonNegInt("AILICIA_OVERTAKE_INTERVAL_MS", 0)
	cfg.Coordinator.GenerationCooldownMS = readInt("AILICIA_GENERATION_COOLDOWN_MS", defaultCooldownMS)

	cfg.Sink.SQLite.Path = strings.TrimSpace(os.Getenv("AILICIA_SINK_SQLITE_PATH"))
	cfg.Sink.BatchSize = readInt("AILICIA_SINK_BATCH_SIZE", defaultBatchSize)
	cfg.Sink.FlushMaxMS = readInt("AILICIA_SINK_FLUSH_MAX_MS", defaultFlushMS)

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(os.Getenv("AILICIA_LOG_LEVEL")))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(os.Getenv("AILICIA_LOG_FORMAT")))
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	cfg.Log.File = strings.TrimSpace(os.Getenv("AILICIA_LOG_FILE"))

	return cfg
}

// NormalizeBaseURL applies the default and strips trailing slashes.
func NormalizeBaseURL(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return DefaultBaseURL
	}
	return raw
}

// ParseRoles keeps known roles in the order given, ignoring case and
// duplicates; unknown names are dropped.
func ParseRoles(raw string) []core.Role {
	var out []core.Role
	seen := make(map[core.Role]struct{})
	for _, part := range splitRaw(raw) {
		role, ok := core.ParseRole(part)
		if !ok {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func splitRaw(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitList(raw string) []string {
	return dedupe(splitRaw(raw))
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// readNonNegInt accepts zero, which several settings use to mean "off".
func readNonNegInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func readFloat(name string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (c Config) HasCredentials() bool {
	return c.API.Key != "" && c.API.Channel != ""
}

func (c Config) ContextInterval() time.Duration {
	return time.Duration(c.Coordinator.ContextIntervalMS) * time.Millisecond
}

func (c Config) ContextTTL() time.Duration {
	return time.Duration(c.Coordinator.ContextTTLSecs) * time.Second
}

func (c Config) OvertakeInterval() time.Duration {
	return time.Duration(c.Coordinator.OvertakeIntervalMS) * time.Millisecond
}

func (c Config) GenerationCooldown() time.Duration {
	return time.Duration(c.Coordinator.GenerationCooldownMS) * time.Millisecond
}

func (c Config) FlushInterval() time.Duration {
	if c.Sink.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Sink.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Sink.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Sink.BatchSize
}

func (c Config) ArchiveEnabled() bool {
	return c.Sink.SQLite.Path != ""
}

type Summary struct {
	Channel     string          `json:"channel,omitempty"`
	BaseURL     string          `json:"base_url"`
	APIKey      string          `json:"api_key,omitempty"`
	APIKeyFile  string          `json:"api_key_file,omitempty"`
	Roles       []core.Role     `json:"roles,omitempty"`
	Excluded    int             `json:"excluded"`
	Reconnect   bool            `json:"reconnect"`
	Overtakes   OvertakeSummary `json:"overtakes"`
	ContextMS   int             `json:"context_ms"`
	SQLitePath  string          `json:"sqlite_path,omitempty"`
	BatchSize   int             `json:"batch"`
	FlushMaxMS  int             `json:"flush_ms"`
	Credentials bool            `json:"credentials"`
}

type OvertakeSummary struct {
	Enabled    bool `json:"enabled"`
	IntervalMS int  `json:"interval_ms"`
	CooldownMS int  `json:"cooldown_ms"`
}

func (c Config) Summary() Summary {
	return Summary{
		Channel:    c.API.Channel,
		BaseURL:    c.API.BaseURL,
		APIKey:     redactString(c.API.Key),
		APIKeyFile: c.API.KeyFile,
		Roles:      append([]core.Role(nil), c.Stream.Roles...),
		Excluded:   len(c.Stream.Excluded),
		Reconnect:  c.Stream.Reconnect,
		Overtakes: OvertakeSummary{
			Enabled:    c.Coordinator.OvertakeEnabled,
			IntervalMS: c.Coordinator.OvertakeIntervalMS,
			CooldownMS: c.Coordinator.GenerationCooldownMS,
		},
		ContextMS:   c.Coordinator.ContextIntervalMS,
		SQLitePath:  c.Sink.SQLite.Path,
		BatchSize:   c.Sink.BatchSize,
		FlushMaxMS:  c.Sink.FlushMaxMS,
		Credentials: c.HasCredentials(),
	}
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

func (c Config) Redacted() map[string]any {
	roles := make([]string, 0, len(c.Stream.Roles))
	for _, r := range c.Stream.Roles {
		roles = append(roles, string(r))
	}
	return map[string]any{
		"api": map[string]any{
			"key":            redactString(c.API.Key),
			"key_file":       c.API.KeyFile,
			"channel":        c.API.Channel,
			"base_url":       c.API.BaseURL,
			"legacy_key_env": c.API.LegacyKeyEnv,
		},
		"stream": map[string]any{
			"roles":               roles,
			"excluded":            append([]string(nil), c.Stream.Excluded...),
			"reconnect":           c.Stream.Reconnect,
			"reconnect_delay_ms":  c.Stream.ReconnectDelayMS,
			"reconnect_mult":      c.Stream.ReconnectMult,
			"reconnect_jitter_ms": c.Stream.ReconnectJitterMS,
			"max_attempts":        c.Stream.MaxAttempts,
			"debug_drops":         c.Stream.DebugDrops,
			"trace_ingest":        c.Stream.TraceIngest,
		},
		"coordinator": map[string]any{
			"context_interval_ms":    c.Coordinator.ContextIntervalMS,
			"context_ttl_secs":       c.Coordinator.ContextTTLSecs,
			"overtake_enabled":       c.Coordinator.OvertakeEnabled,
			"overtake_interval_ms":   c.Coordinator.OvertakeIntervalMS,
			"generation_cooldown_ms": c.Coordinator.GenerationCooldownMS,
		},
		"sink": map[string]any{
			"sqlite_path": c.Sink.SQLite.Path,
			"batch_size":  c.Sink.BatchSize,
			"flush_ms":    c.Sink.FlushMaxMS,
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
			"file":   c.Log.File,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
