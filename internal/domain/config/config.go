// Package config holds the configuration of an object class node: where
// classes live, which of them may load, the open and close timeouts, the
// admin socket and logging.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/felixgeelhaar/objclass/internal/domain/objclass"
	"github.com/felixgeelhaar/objclass/internal/domain/sandbox"
)

// Config is the node configuration.
type Config struct {
	ClassDir      string        `mapstructure:"class_dir"`
	LoadList      string        `mapstructure:"class_load_list"`
	DefaultList   string        `mapstructure:"class_default_list"`
	OpenOnStart   bool          `mapstructure:"open_classes_on_start"`
	OpenTimeout   time.Duration `mapstructure:"open_timeout"`
	CloseTimeout  time.Duration `mapstructure:"close_timeout"`
	Watch         bool          `mapstructure:"watch"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`
	WASM          WASMConfig    `mapstructure:"wasm"`
	Admin         AdminConfig   `mapstructure:"admin"`
	Log           LogConfig     `mapstructure:"log"`
}

// WASMConfig bounds guest code.
type WASMConfig struct {
	MemoryLimitPages uint32        `mapstructure:"memory_limit_pages"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// AdminConfig locates the admin socket.
type AdminConfig struct {
	SocketPath string `mapstructure:"socket_path"`
	LockPath   string `mapstructure:"lock_path"`
}

// LogConfig selects log verbosity and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// DefaultClassDir is where classes are looked up when nothing is configured.
const DefaultClassDir = "/var/lib/objclass/classes"

// Default returns the configuration used when no file, env or flag sets a
// value.
func Default() Config {
	return Config{
		ClassDir:      DefaultClassDir,
		LoadList:      "*",
		DefaultList:   "*",
		OpenTimeout:   objclass.DefaultOpenTimeout,
		CloseTimeout:  objclass.DefaultCloseTimeout,
		WatchDebounce: 500 * time.Millisecond,
		WASM: WASMConfig{
			MemoryLimitPages: sandbox.DefaultMemoryLimitPages,
		},
		Admin: AdminConfig{
			SocketPath: DefaultSocketPath(),
			LockPath:   DefaultLockPath(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogFormatText,
		},
	}
}

// DefaultSocketPath returns the default admin socket path.
func DefaultSocketPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".objclass", "admin.sock")
}

// DefaultLockPath returns the default admin lock file path.
func DefaultLockPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".objclass", "admin.lock")
}

// maxMemoryLimitPages is the 4 GiB ceiling of a 32-bit linear memory.
const maxMemoryLimitPages = 65536

var logLevels = []string{"debug", "info", "warn", "error"}

// Validate reports every problem in c at once.
func (c Config) Validate() error {
	errs := NewErrorList()

	if strings.TrimSpace(c.ClassDir) == "" {
		errs.AddValidation("class_dir", "must not be empty", "Point class_dir at a directory holding one sub-directory per class.")
	}
	for _, list := range []struct{ field, value string }{
		{"class_load_list", c.LoadList},
		{"class_default_list", c.DefaultList},
	} {
		for _, name := range splitList(list.value) {
			if name != "*" && strings.ContainsAny(name, "/\x00") {
				errs.AddValidation(list.field, "invalid class name "+name, "Class names may not contain '/'.")
			}
		}
	}
	if c.WatchDebounce < 0 {
		errs.AddValidation("watch_debounce", "must not be negative", "Use a duration such as 500ms.")
	}
	if c.WASM.MemoryLimitPages == 0 || c.WASM.MemoryLimitPages > maxMemoryLimitPages {
		errs.AddValidation("wasm.memory_limit_pages", "must be between 1 and 65536", "Each page is 64 KiB; 256 pages is 16 MiB.")
	}
	if c.WASM.CallTimeout < 0 {
		errs.AddValidation("wasm.call_timeout", "must not be negative", "Use 0 to leave guest calls unbounded.")
	}
	if c.Admin.SocketPath == "" {
		errs.AddValidation("admin.socket_path", "must not be empty", "")
	}
	if !contains(logLevels, strings.ToLower(c.Log.Level)) {
		errs.AddValidation("log.level", "unknown level "+c.Log.Level, "Use one of: "+strings.Join(logLevels, ", "))
	}
	if c.Log.Format != LogFormatText && c.Log.Format != LogFormatJSON {
		errs.AddValidation("log.format", "unknown format "+c.Log.Format, "Use text or json.")
	}

	return errs.AsError()
}

// CheckClassDir verifies that the class directory exists.
func (c Config) CheckClassDir() error {
	info, err := os.Stat(c.ClassDir)
	if err != nil || !info.IsDir() {
		return NewClassDirNotFoundError(c.ClassDir)
	}
	return nil
}

// splitList splits a class list on commas and whitespace.
func splitList(list string) []string {
	return strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
