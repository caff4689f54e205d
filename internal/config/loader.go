package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "SCAN"
	ConfigFileName = "scan"
)

// ValueSource records which layer supplied a key.
type ValueSource string

const (
	SourceDefault ValueSource = "default"
	SourceFile    ValueSource = "file"
	SourceEnv     ValueSource = "env"
	SourceFlag    ValueSource = "flag"
)

// FlagKeys maps command-line flag names to configuration keys. Load binds
// the ones present in the flag set it is given.
var FlagKeys = map[string]string{
	"base-url":     "server.base_url",
	"timeout":      "server.timeout",
	"width":        "render.width",
	"style":        "render.style",
	"engine":       "render.engine",
	"tui":          "ui.tui",
	"log-level":    "log.level",
	"repair-json":  "decode.repair_json",
	"metrics":      "metrics.enabled",
	"metrics-port": "metrics.port",
	"tracing":      "tracing.enabled",
	"addr":         "replay.addr",
	"script":       "replay.script",
	"store":        "replay.store",
}

// Metadata describes where the loaded values came from.
type Metadata struct {
	file     string
	sources  map[string]ValueSource
	loadedAt time.Time
}

// File returns the config file that was read, or "" if none was.
func (m Metadata) File() string { return m.file }

// Source returns the layer that supplied key.
func (m Metadata) Source(key string) ValueSource {
	if src, ok := m.sources[key]; ok {
		return src
	}
	return SourceDefault
}

// LoadedAt returns when the configuration was resolved.
func (m Metadata) LoadedAt() time.Time { return m.loadedAt }

type loadOptions struct {
	configPath  string
	searchPaths []string
	flags       *pflag.FlagSet
	homeDir     func() (string, error)
}

// Option customizes Load.
type Option func(*loadOptions)

// WithConfigPath reads exactly this file; a missing file is an error.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) { o.configPath = strings.TrimSpace(path) }
}

// WithSearchPaths replaces the directories searched for scan.yaml.
func WithSearchPaths(paths ...string) Option {
	return func(o *loadOptions) { o.searchPaths = paths }
}

// WithFlags binds the flags named in FlagKeys.
func WithFlags(flags *pflag.FlagSet) Option {
	return func(o *loadOptions) { o.flags = flags }
}

// WithHomeDir overrides home directory lookup.
func WithHomeDir(fn func() (string, error)) Option {
	return func(o *loadOptions) { o.homeDir = fn }
}

// Load resolves the configuration and validates it.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{homeDir: os.UserHomeDir}
	for _, opt := range opts {
		opt(&options)
	}
	if options.searchPaths == nil {
		options.searchPaths = defaultSearchPaths(options.homeDir)
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	if err := readConfigFile(v, options); err != nil {
		return Config{}, Metadata{}, err
	}
	meta.file = v.ConfigFileUsed()

	var bound []string
	if options.flags != nil {
		for name, key := range FlagKeys {
			flag := options.flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, Metadata{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
			if flag.Changed {
				bound = append(bound, key)
			}
		}
	}

	for _, key := range v.AllKeys() {
		switch {
		case slices.Contains(bound, key):
			meta.sources[key] = SourceFlag
		case envSet(key):
			meta.sources[key] = SourceEnv
		case meta.file != "" && v.InConfig(key):
			meta.sources[key] = SourceFile
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, Metadata{}, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, Metadata{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, meta, nil
}

func readConfigFile(v *viper.Viper, options loadOptions) error {
	if options.configPath != "" {
		v.SetConfigFile(expandHome(options.configPath, options.homeDir))
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", options.configPath, err)
		}
		return nil
	}

	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	for _, dir := range options.searchPaths {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("server.base_url", cfg.Server.BaseURL)
	v.SetDefault("server.stream_path", cfg.Server.StreamPath)
	v.SetDefault("server.chat_stream_path", cfg.Server.ChatStreamPath)
	v.SetDefault("server.timeout", cfg.Server.Timeout)
	v.SetDefault("render.engine", cfg.Render.Engine)
	v.SetDefault("render.width", cfg.Render.Width)
	v.SetDefault("render.style", cfg.Render.Style)
	v.SetDefault("render.cache_size", cfg.Render.CacheSize)
	v.SetDefault("ui.tui", cfg.UI.TUI)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.dir", cfg.Log.Dir)
	v.SetDefault("decode.repair_json", cfg.Decode.RepairJSON)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.PrometheusPort)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.exporter", cfg.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", cfg.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.zipkin_endpoint", cfg.Tracing.ZipkinEndpoint)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.service_version", cfg.Tracing.ServiceVersion)
	v.SetDefault("replay.addr", cfg.Replay.Addr)
	v.SetDefault("replay.script", cfg.Replay.Script)
	v.SetDefault("replay.store", cfg.Replay.Store)
}

func normalize(cfg *Config) {
	cfg.Server.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Server.BaseURL), "/")
	cfg.Render.Engine = strings.ToLower(strings.TrimSpace(cfg.Render.Engine))
	cfg.Render.Style = strings.TrimSpace(cfg.Render.Style)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Tracing.Exporter = strings.ToLower(strings.TrimSpace(cfg.Tracing.Exporter))
}

func defaultSearchPaths(homeDir func() (string, error)) []string {
	paths := []string{"."}
	if home, err := homeDir(); err == nil && home != "" {
		paths = append([]string{filepath.Join(home, ".scan")}, paths...)
	}
	return paths
}

func expandHome(path string, homeDir func() (string, error)) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := homeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func envSet(key string) bool {
	name := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	_, ok := os.LookupEnv(name)
	return ok
}
