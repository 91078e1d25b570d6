// Package config loads server settings from flags, environment variables and
// an optional config file.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"vampire-server/internal/proof"
	"vampire-server/internal/prover"
)

// EnvPrefix is prepended to every environment variable, e.g.
// VAMPIRE_SERVER_PORT for port.
const EnvPrefix = "VAMPIRE_SERVER"

// Config holds the server configuration.
type Config struct {
	Vampire         string        `mapstructure:"vampire" validate:"required"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	Verbose         bool          `mapstructure:"verbose"`
	LogFormat       string        `mapstructure:"log_format" validate:"oneof=text json"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	StagingDir      string        `mapstructure:"staging_dir"`
	InteractiveArgs []string      `mapstructure:"interactive_args"`
	PromptMarkers   []string      `mapstructure:"prompt_markers" validate:"min=1,dive,required"`
	FailureMarkers  []string      `mapstructure:"failure_markers" validate:"dive,required"`
	MaxSessions     int           `mapstructure:"max_sessions" validate:"min=1"`
	EventBuffer     int           `mapstructure:"event_buffer" validate:"min=1"`
	LaunchRate      float64       `mapstructure:"launch_rate" validate:"min=0"`
	LaunchBurst     int           `mapstructure:"launch_burst" validate:"min=0"`
	// History is the sqlite database path. Empty disables run history.
	History   string `mapstructure:"history"`
	StaticDir string `mapstructure:"static_dir"`
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Default returns the built-in configuration. Vampire has no default.
func Default() Config {
	return Config{
		Port:            8000,
		LogFormat:       "text",
		Timeout:         60 * time.Second,
		InteractiveArgs: prover.DefaultInteractiveArgs,
		PromptMarkers:   proof.DefaultPromptMarkers,
		FailureMarkers:  prover.DefaultFailureMarkers,
		MaxSessions:     16,
		EventBuffer:     256,
	}
}

// SetDefaults registers every key of Default with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("vampire", d.Vampire)
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("staging_dir", d.StagingDir)
	v.SetDefault("interactive_args", d.InteractiveArgs)
	v.SetDefault("prompt_markers", d.PromptMarkers)
	v.SetDefault("failure_markers", d.FailureMarkers)
	v.SetDefault("max_sessions", d.MaxSessions)
	v.SetDefault("event_buffer", d.EventBuffer)
	v.SetDefault("launch_rate", d.LaunchRate)
	v.SetDefault("launch_burst", d.LaunchBurst)
	v.SetDefault("history", d.History)
	v.SetDefault("static_dir", d.StaticDir)
}

// Load merges defaults, the config file (when file is set), environment
// variables and any flags bound from fs, in increasing precedence.
func Load(v *viper.Viper, file string, fs *pflag.FlagSet) (Config, error) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// bindFlags binds each flag to the key of the same name with dashes
// replaced by underscores.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || err != nil {
			return
		}
		err = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	return err
}

// validate reports fields by their config key.
var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("mapstructure")
	})
	return v
}()

// ValidationError lists the keys that failed validation.
type ValidationError struct {
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s", strings.Join(e.Fields, "; "))
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validate checks value ranges.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, describe(fe))
	}
	return &ValidationError{Fields: fields, Err: err}
}

func describe(fe validator.FieldError) string {
	key := fe.Namespace()
	if i := strings.IndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", key)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", key, fe.Param(), fe.Value())
	case "min", "gt", "max":
		return fmt.Sprintf("%s must satisfy %s=%s, got %v", key, fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", key, fe.Tag())
	}
}
