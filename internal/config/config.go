package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig is the immutable, per-service catalog entry consumed by the
// Launcher adapter and the Supervisor. It is decoded straight off the config
// file via viper/mapstructure; the Supervisor never reads a file path
// itself, only ServiceConfig values handed to it by a Manager.
type ServiceConfig struct {
	Name    string `mapstructure:"name"`
	Type    string `mapstructure:"type"` // executable, npm_script, powershell_script, shell_script
	Enabled bool   `mapstructure:"enabled"`

	AutoRestart bool `mapstructure:"auto_restart"`

	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	Workspace   string            `mapstructure:"workspace"`
	Environment map[string]string `mapstructure:"environment"`

	StartupDelay      time.Duration `mapstructure:"startup_delay"`
	MinUptimeForCrash time.Duration `mapstructure:"min_uptime_for_crash"`

	TrackChildProcesses bool   `mapstructure:"track_child_processes"`
	UseUniqueProfile    bool   `mapstructure:"use_unique_profile"`
	ProfileBaseDir      string `mapstructure:"profile_base_dir"`

	SnapshotCaptureDuration time.Duration `mapstructure:"snapshot_capture_duration"`
	SnapshotSettleDelay     time.Duration `mapstructure:"snapshot_settle_delay"`
	SnapshotAncestorDepth   int           `mapstructure:"snapshot_ancestor_depth"`
	SnapshotDescendantLimit int           `mapstructure:"snapshot_descendant_limit"`

	// ProcessNames is an explicit allow-list of process image names that
	// count as a match in the descendant candidate filter, in addition to
	// the executable's own basename.
	ProcessNames []string `mapstructure:"process_names"`
}

// ApplyDefaults fills in the zero-value defaults a service is expected to run with.
func (s *ServiceConfig) ApplyDefaults() {
	if s.SnapshotAncestorDepth == 0 {
		s.SnapshotAncestorDepth = 10
	}
	if s.SnapshotDescendantLimit == 0 {
		s.SnapshotDescendantLimit = 50
	}
	if s.SnapshotCaptureDuration == 0 {
		s.SnapshotCaptureDuration = 500 * time.Millisecond
	}
	if s.SnapshotSettleDelay == 0 {
		s.SnapshotSettleDelay = 500 * time.Millisecond
	}
}

// Validate performs the ConfigInvalid-class checks that belong to the
// catalog shape itself (name/type), ahead of the Launcher adapter's own
// preconditions (command exists, workspace exists, executable bit).
func (s *ServiceConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("service requires name")
	}
	switch s.Type {
	case "executable", "npm_script", "powershell_script", "shell_script":
	default:
		return fmt.Errorf("service %s: unknown type %q", s.Name, s.Type)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("service %s: requires command", s.Name)
	}
	return nil
}

// GroupConfig names a subset of the catalog as a servicegroup label.
type GroupConfig struct {
	Name    string   `mapstructure:"name"`
	Members []string `mapstructure:"members"`
}

type HistoryConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	OpenSearchURL   string `mapstructure:"opensearch_url"`
	OpenSearchIndex string `mapstructure:"opensearch_index"`
	ClickHouseURL   string `mapstructure:"clickhouse_url"`
	ClickHouseTable string `mapstructure:"clickhouse_table"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Stdout     string `mapstructure:"stdout"`
	Stderr     string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	// CrashStreamPath is the append-only crash-record text stream.
	CrashStreamPath string `mapstructure:"crash_stream_path"`
}

// Config is the top-level catalog: every ServiceConfig plus the ambient
// sections (history/metrics/log) a runnable repo needs.
type Config struct {
	UseOSEnv bool     `mapstructure:"use_os_env"`
	EnvFiles []string `mapstructure:"env_files"`
	Env      []string `mapstructure:"env"`

	Services []ServiceConfig `mapstructure:"services"`
	Groups   []GroupConfig   `mapstructure:"groups"`

	History *HistoryConfig `mapstructure:"history"`
	Metrics *MetricsConfig `mapstructure:"metrics"`
	Log     *LogConfig     `mapstructure:"log"`

	// GlobalEnv is the merged, sorted "KEY=VALUE" set computed from
	// UseOSEnv/EnvFiles/Env, handed to internal/env as the base layer.
	GlobalEnv []string

	configPath string
}

// LoadConfig reads a YAML/TOML/JSON catalog file via viper and decodes it
// into a Config, applying defaults and validating every service entry.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{configPath: configPath}

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Services))
	for i := range cfg.Services {
		cfg.Services[i].ApplyDefaults()
		if err := cfg.Services[i].Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[cfg.Services[i].Name]; dup {
			return nil, fmt.Errorf("duplicate service name %q", cfg.Services[i].Name)
		}
		seen[cfg.Services[i].Name] = struct{}{}
	}

	for _, gc := range cfg.Groups {
		if gc.Name == "" {
			return nil, fmt.Errorf("group requires name")
		}
		if len(gc.Members) == 0 {
			return nil, fmt.Errorf("group %s requires members", gc.Name)
		}
		for _, member := range gc.Members {
			if _, ok := seen[member]; !ok {
				return nil, fmt.Errorf("group %s references unknown member %s", gc.Name, member)
			}
		}
	}

	globalEnv, err := computeGlobalEnv(cfg.UseOSEnv, cfg.EnvFiles, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to compute global env: %w", err)
	}
	cfg.GlobalEnv = globalEnv

	return cfg, nil
}

func computeGlobalEnv(useOSEnv bool, envFiles []string, env []string) ([]string, error) {
	envMap := make(map[string]string)

	if useOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				envMap[kv[:i]] = kv[i+1:]
			}
		}
	}

	for _, envFile := range envFiles {
		fileEnv, err := loadEnvFile(envFile)
		if err != nil {
			return nil, err
		}
		for key, value := range fileEnv {
			envMap[key] = value
		}
	}

	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			envMap[kv[:i]] = kv[i+1:]
		}
	}

	result := make([]string, 0, len(envMap))
	for key, value := range envMap {
		result = append(result, key+"="+value)
	}
	sort.Strings(result)
	return result, nil
}

func loadEnvFile(filePath string) (map[string]string, error) {
	// #nosec G304
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	env := make(map[string]string)
	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid env line at %s:%d: %s", filePath, i+1, line)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}
		env[key] = value
	}
	return env, nil
}
