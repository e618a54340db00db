// Package config resolves the daemon's typed configuration from an INI file
// with AIRES_-prefixed environment overrides (spec §6), producing a single
// plain Config struct threaded explicitly through every constructor (spec
// §9: no process-wide config singleton except the metrics registry).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aires-project/aires/internal/aerr"
	ini "gopkg.in/ini.v1"
)

// Backend is the AI backend kind a stage is routed to (spec §4.4).
type Backend string

const (
	BackendLocalHTTP Backend = "localHTTP"
	BackendCloudHTTP Backend = "cloudHTTP"
)

// StageConfig holds the per-stage AI call parameters (spec §4.4, §6).
type StageConfig struct {
	Backend        Backend
	Model          string
	Temperature    float64
	MaxTokens      int
	TimeoutSeconds int
	SystemPrompt   string
	ResponseFormat string
}

var defaultStageTimeouts = [5]int{0, 30, 60, 45, 120} // indexed by model.Stage (1..4)

// AIBackendConfig holds one backend's connection and rate-limit parameters
// (spec §4.4: "a token bucket per backend (configurable rate and burst).
// Blocks at most queueWaitSeconds before returning RateLimited").
type AIBackendConfig struct {
	BaseURL            string
	APIKey             string
	RateLimitPerSecond float64
	RateLimitBurst     int
	QueueWaitSeconds    int
}

// Config is the fully-resolved, validated configuration for one AIRES
// instance (spec §6).
type Config struct {
	InputDirectory       string
	OutputDirectory      string
	FilePattern          []string
	PollIntervalSeconds  int
	StableFor            int
	MaxConcurrentBatches int
	MaxStageAttempts     int
	MaxPublishAttempts   int
	RetentionDays        int
	MaxErrorsPerBatch    int
	Stages               [5]StageConfig // index 1..4 used; 0 unused
	Backends             map[Backend]AIBackendConfig
	DBConnectionString   string
	QueueBrokers         []string
	LogLevel             string
	HealthWindowSeconds  int
	ShutdownGraceSeconds int
	FatalDBDownSeconds   int
	ControlAddr          string
}

func defaults() Config {
	c := Config{
		FilePattern:          []string{"*.txt", "*.log"},
		PollIntervalSeconds:  5,
		StableFor:            2,
		MaxConcurrentBatches: 5,
		MaxStageAttempts:     3,
		MaxPublishAttempts:   10,
		RetentionDays:        30,
		MaxErrorsPerBatch:    500,
		DBConnectionString:   "aires.db",
		LogLevel:             "Info",
		HealthWindowSeconds:  300,
		ShutdownGraceSeconds: 30,
		FatalDBDownSeconds:   60,
		ControlAddr:          "127.0.0.1:8971",
		Backends: map[Backend]AIBackendConfig{
			BackendLocalHTTP: {BaseURL: "http://127.0.0.1:11434", RateLimitPerSecond: 2, RateLimitBurst: 4, QueueWaitSeconds: 30},
			BackendCloudHTTP: {RateLimitPerSecond: 5, RateLimitBurst: 10, QueueWaitSeconds: 30},
		},
	}
	for s := 1; s <= 4; s++ {
		c.Stages[s] = StageConfig{
			Backend:        BackendLocalHTTP,
			Temperature:    0.4,
			MaxTokens:      4096,
			TimeoutSeconds: defaultStageTimeouts[s],
			ResponseFormat: "json",
		}
	}
	return c
}

// Load reads path (INI format) and applies AIRES_-prefixed environment
// overrides on top, matching spec §6's "INI file then environment
// overrides" resolution order.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if strings.TrimSpace(path) != "" {
		f, err := ini.Load(path)
		if err != nil {
			return nil, aerr.Wrap(aerr.KindConfig, "reading config file "+path, err)
		}
		applyINI(&cfg, f)
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyINI(cfg *Config, f *ini.File) {
	sec := f.Section("")
	getStr := func(key string, cur *string) {
		if k, err := sec.GetKey(key); err == nil {
			*cur = k.String()
		}
	}
	getInt := func(key string, cur *int) {
		if k, err := sec.GetKey(key); err == nil {
			if v, err := k.Int(); err == nil {
				*cur = v
			}
		}
	}
	getStr("inputDirectory", &cfg.InputDirectory)
	getStr("outputDirectory", &cfg.OutputDirectory)
	if k, err := sec.GetKey("filePattern"); err == nil {
		cfg.FilePattern = splitCSV(k.String())
	}
	getInt("pollIntervalSeconds", &cfg.PollIntervalSeconds)
	getInt("stableFor", &cfg.StableFor)
	getInt("maxConcurrentBatches", &cfg.MaxConcurrentBatches)
	getInt("maxStageAttempts", &cfg.MaxStageAttempts)
	getInt("maxPublishAttempts", &cfg.MaxPublishAttempts)
	getInt("retentionDays", &cfg.RetentionDays)
	getInt("maxErrorsPerBatch", &cfg.MaxErrorsPerBatch)
	getStr("db.connectionString", &cfg.DBConnectionString)
	if k, err := sec.GetKey("queue.brokers"); err == nil {
		cfg.QueueBrokers = splitCSV(k.String())
	}
	getStr("log.level", &cfg.LogLevel)
	getInt("healthWindowSeconds", &cfg.HealthWindowSeconds)
	getInt("shutdownGraceSeconds", &cfg.ShutdownGraceSeconds)
	getInt("fatalDbDownSeconds", &cfg.FatalDBDownSeconds)
	getStr("control.addr", &cfg.ControlAddr)

	for n := 1; n <= 4; n++ {
		prefix := fmt.Sprintf("stages.%d.", n)
		st := &cfg.Stages[n]
		if k, err := sec.GetKey(prefix + "backend"); err == nil {
			st.Backend = Backend(k.String())
		}
		if k, err := sec.GetKey(prefix + "model"); err == nil {
			st.Model = k.String()
		}
		if k, err := sec.GetKey(prefix + "temperature"); err == nil {
			if v, err := k.Float64(); err == nil {
				st.Temperature = v
			}
		}
		if k, err := sec.GetKey(prefix + "maxTokens"); err == nil {
			if v, err := k.Int(); err == nil {
				st.MaxTokens = v
			}
		}
		if k, err := sec.GetKey(prefix + "timeoutSeconds"); err == nil {
			if v, err := k.Int(); err == nil {
				st.TimeoutSeconds = v
			}
		}
		if k, err := sec.GetKey(prefix + "systemPrompt"); err == nil {
			st.SystemPrompt = k.String()
		}
	}

	for _, backend := range []Backend{BackendLocalHTTP, BackendCloudHTTP} {
		prefix := "backends." + string(backend) + "."
		bc := cfg.Backends[backend]
		if k, err := sec.GetKey(prefix + "baseUrl"); err == nil {
			bc.BaseURL = k.String()
		}
		if k, err := sec.GetKey(prefix + "apiKey"); err == nil {
			bc.APIKey = k.String()
		}
		if k, err := sec.GetKey(prefix + "rateLimitPerSecond"); err == nil {
			if v, err := k.Float64(); err == nil {
				bc.RateLimitPerSecond = v
			}
		}
		if k, err := sec.GetKey(prefix + "rateLimitBurst"); err == nil {
			if v, err := k.Int(); err == nil {
				bc.RateLimitBurst = v
			}
		}
		if k, err := sec.GetKey(prefix + "queueWaitSeconds"); err == nil {
			if v, err := k.Int(); err == nil {
				bc.QueueWaitSeconds = v
			}
		}
		cfg.Backends[backend] = bc
	}
}

// applyEnv applies AIRES_-prefixed, dotted-uppercase environment overrides
// (spec §6, e.g. AIRES_STAGES_1_MODEL).
func applyEnv(cfg *Config) {
	lookup := func(key string) (string, bool) {
		envKey := "AIRES_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		return os.LookupEnv(envKey)
	}
	if v, ok := lookup("inputDirectory"); ok {
		cfg.InputDirectory = v
	}
	if v, ok := lookup("outputDirectory"); ok {
		cfg.OutputDirectory = v
	}
	if v, ok := lookup("filePattern"); ok {
		cfg.FilePattern = splitCSV(v)
	}
	if v, ok := lookup("pollIntervalSeconds"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalSeconds = n
		}
	}
	if v, ok := lookup("stableFor"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StableFor = n
		}
	}
	if v, ok := lookup("maxConcurrentBatches"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentBatches = n
		}
	}
	if v, ok := lookup("maxStageAttempts"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxStageAttempts = n
		}
	}
	if v, ok := lookup("maxPublishAttempts"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPublishAttempts = n
		}
	}
	if v, ok := lookup("retentionDays"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = n
		}
	}
	if v, ok := lookup("db.connectionString"); ok {
		cfg.DBConnectionString = v
	}
	if v, ok := lookup("log.level"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup("healthWindowSeconds"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HealthWindowSeconds = n
		}
	}
	for n := 1; n <= 4; n++ {
		prefix := fmt.Sprintf("stages.%d.", n)
		st := &cfg.Stages[n]
		if v, ok := lookup(prefix + "backend"); ok {
			st.Backend = Backend(v)
		}
		if v, ok := lookup(prefix + "model"); ok {
			st.Model = v
		}
		if v, ok := lookup(prefix + "timeoutSeconds"); ok {
			if d, err := strconv.Atoi(v); err == nil {
				st.TimeoutSeconds = d
			}
		}
		if v, ok := lookup(prefix + "temperature"); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				st.Temperature = f
			}
		}
	}

	for _, backend := range []Backend{BackendLocalHTTP, BackendCloudHTTP} {
		prefix := "backends." + string(backend) + "."
		bc := cfg.Backends[backend]
		if v, ok := lookup(prefix + "baseUrl"); ok {
			bc.BaseURL = v
		}
		if v, ok := lookup(prefix + "apiKey"); ok {
			bc.APIKey = v
		}
		cfg.Backends[backend] = bc
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate enforces the required keys (spec §6). A ConfigError here is
// fatal at startup — the only place spec §7 allows that.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.InputDirectory) == "" {
		return aerr.New(aerr.KindConfig, "inputDirectory is required")
	}
	if strings.TrimSpace(c.OutputDirectory) == "" {
		return aerr.New(aerr.KindConfig, "outputDirectory is required")
	}
	if c.MaxConcurrentBatches <= 0 {
		return aerr.New(aerr.KindConfig, "maxConcurrentBatches must be > 0")
	}
	if len(c.FilePattern) == 0 {
		return aerr.New(aerr.KindConfig, "filePattern must not be empty")
	}
	for n := 1; n <= 4; n++ {
		st := c.Stages[n]
		if st.Backend != BackendLocalHTTP && st.Backend != BackendCloudHTTP {
			return aerr.New(aerr.KindConfig, fmt.Sprintf("stages.%d.backend must be localHTTP or cloudHTTP", n))
		}
	}
	return nil
}

// StageTimeout resolves the configured per-stage call deadline.
func (c *Config) StageTimeout(n int) time.Duration {
	return time.Duration(c.Stages[n].TimeoutSeconds) * time.Second
}

// reloadableKeys is the explicit allowlist for the `reload` control verb
// (spec §6, Open Question resolved in SPEC_FULL.md §12.3: AI backend
// endpoints are never reloadable at runtime).
var reloadableKeys = map[string]bool{
	"log.level":            true,
	"retentionDays":        true,
	"stages.1.timeoutSeconds": true,
	"stages.2.timeoutSeconds": true,
	"stages.3.timeoutSeconds": true,
	"stages.4.timeoutSeconds": true,
}

// ReloadableKeys exposes the allowlist for diagnostics/tests.
func ReloadableKeys() map[string]bool { return reloadableKeys }

// ApplyReload merges only the reloadable subset of next into c, rejecting
// any other requested change with a ConfigError naming the offending key.
func (c *Config) ApplyReload(next *Config, requestedKeys []string) error {
	for _, key := range requestedKeys {
		if !reloadableKeys[key] {
			return aerr.New(aerr.KindConfig, fmt.Sprintf("key %q is not reloadable; restart required", key))
		}
	}
	for _, key := range requestedKeys {
		switch key {
		case "log.level":
			c.LogLevel = next.LogLevel
		case "retentionDays":
			c.RetentionDays = next.RetentionDays
		case "stages.1.timeoutSeconds":
			c.Stages[1].TimeoutSeconds = next.Stages[1].TimeoutSeconds
		case "stages.2.timeoutSeconds":
			c.Stages[2].TimeoutSeconds = next.Stages[2].TimeoutSeconds
		case "stages.3.timeoutSeconds":
			c.Stages[3].TimeoutSeconds = next.Stages[3].TimeoutSeconds
		case "stages.4.timeoutSeconds":
			c.Stages[4].TimeoutSeconds = next.Stages[4].TimeoutSeconds
		}
	}
	return nil
}
