// Package config loads knolsched's configuration.
//
// Values are layered, later sources winning: built-in defaults, an optional
// YAML file, KNOLSCHED_* environment variables (a ".env" file is read first if
// present), then command-line flags. Nested keys use "__" in environment
// names, so KNOLSCHED_POLICY__NEW_CARDS_PER_DAY sets policy.new_cards_per_day.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/conorfennell/knolsched/internal/queue"
	"github.com/conorfennell/knolsched/internal/srs"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const EnvPrefix = "KNOLSCHED_"

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	DB        DBConfig       `koanf:"db"`
	HTTP      HTTPConfig     `koanf:"http"`
	Log       LogConfig      `koanf:"log"`
	Scheduler srs.Params     `koanf:"scheduler"`
	Policy    domain.Policy  `koanf:"policy"`
	Queue     queue.Options  `koanf:"queue"`
	Reminder  ReminderConfig `koanf:"reminder"`
	Sources   SourcesConfig  `koanf:"sources"`
}

type DBConfig struct {
	Path string `koanf:"path" validate:"required"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// ReminderConfig controls the due-card digest. Cron is a standard five-field
// cron expression.
type ReminderConfig struct {
	Enabled bool          `koanf:"enabled"`
	Cron    string        `koanf:"cron" validate:"required_if=Enabled true"`
	Horizon time.Duration `koanf:"horizon" validate:"gte=0"`
}

// SourcesConfig lists the deck sources imported at startup. Each path is a
// local directory or a git URL; git sources are cloned under ReposDir.
type SourcesConfig struct {
	Paths    []string `koanf:"paths" validate:"dive,required"`
	ReposDir string   `koanf:"repos_dir" validate:"required"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		DB: DBConfig{Path: "knolsched.db"},
		HTTP: HTTPConfig{
			Addr:            "localhost:8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Log:       LogConfig{Level: "info", Format: "text"},
		Scheduler: *srs.DefaultParams(),
		Policy:    domain.DefaultPolicy(),
		Queue:     queue.DefaultOptions(),
		Reminder:  ReminderConfig{Cron: "0 * * * *", Horizon: time.Hour},
		Sources:   SourcesConfig{ReposDir: ".knolsched/repos"},
	}
}

// Flags returns the command-line flags Load understands. Flag names are the
// dotted config keys.
func Flags(name string) *pflag.FlagSet {
	d := Default()
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.StringP("config", "c", "", "path to a YAML config file")
	flags.String("db.path", d.DB.Path, "SQLite database file")
	flags.String("http.addr", d.HTTP.Addr, "address the HTTP API listens on")
	flags.String("log.level", d.Log.Level, "log level: debug, info, warn or error")
	flags.String("log.format", d.Log.Format, "log format: text or json")
	flags.StringSlice("sources.paths", nil, "deck sources to import: directories or git URLs")
	flags.Bool("reminder.enabled", d.Reminder.Enabled, "log a digest of due cards on a schedule")
	flags.Bool("scheduler.disable_fuzz", d.Scheduler.DisableFuzz, "schedule reviews without random jitter")
	return flags
}

// Load builds the configuration from defaults, the file named by the
// "config" flag, the environment and the flags, then validates it.
// flags must already be parsed; it may be nil.
func Load(flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to read .env: %w", err)
	}

	k := koanf.New(".")

	var path string
	if flags != nil {
		path, _ = flags.GetString("config")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: invalid config: %v", domain.ErrPolicyViolation, err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	return nil
}

// Logger builds the process logger described by c.
func (c LogConfig) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
