package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/felixgeelhaar/objclass/internal/ports"
)

// EnvPrefix prefixes environment overrides, e.g. OBJCLASS_CLASS_DIR or
// OBJCLASS_WASM_MEMORY_LIMIT_PAGES.
const EnvPrefix = "OBJCLASS"

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// File is an optional YAML or TOML config file.
	File string

	// Flags maps config keys to command-line flags. A flag only overrides
	// the other sources when it was set.
	Flags map[string]*pflag.Flag
}

// Load layers defaults, the config file, the environment and flags, in
// increasing precedence, and validates the result.
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		if _, err := os.Stat(opts.File); errors.Is(err, os.ErrNotExist) {
			return nil, NewConfigNotFoundError(opts.File)
		}
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, NewConfigParseError(opts.File, err)
		}
	}

	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &UserError{
			Code:       ErrCodeConfigInvalid,
			Message:    "configuration has values of the wrong type",
			Context:    opts.File,
			Suggestion: "Durations take a unit (30s, 500ms); lists are comma separated strings.",
			Underlying: err,
		}
	}
	cfg.ClassDir = ports.ExpandPath(cfg.ClassDir)
	cfg.Admin.SocketPath = ports.ExpandPath(cfg.Admin.SocketPath)
	cfg.Admin.LockPath = ports.ExpandPath(cfg.Admin.LockPath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("class_dir", d.ClassDir)
	v.SetDefault("class_load_list", d.LoadList)
	v.SetDefault("class_default_list", d.DefaultList)
	v.SetDefault("open_classes_on_start", d.OpenOnStart)
	v.SetDefault("open_timeout", d.OpenTimeout)
	v.SetDefault("close_timeout", d.CloseTimeout)
	v.SetDefault("watch", d.Watch)
	v.SetDefault("watch_debounce", d.WatchDebounce)
	v.SetDefault("wasm.memory_limit_pages", d.WASM.MemoryLimitPages)
	v.SetDefault("wasm.call_timeout", d.WASM.CallTimeout)
	v.SetDefault("admin.socket_path", d.Admin.SocketPath)
	v.SetDefault("admin.lock_path", d.Admin.LockPath)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}
