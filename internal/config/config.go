// Package config loads the eventific configuration file.
//
// Files ending in .cue are unified with the embedded #Config schema, which
// supplies defaults and constraints. Every other file is read as YAML (JSON
// included) on top of Default.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/eventific/internal/event"
)

//go:embed schema.cue
var schemaSource string

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the complete eventific configuration.
type Config struct {
	Service   string    `yaml:"service"`
	Store     Store     `yaml:"store"`
	Notify    Notify    `yaml:"notify"`
	HTTP      HTTP      `yaml:"http"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Store selects and tunes the backing store.
type Store struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// MaxConns bounds the connection pool of SQL drivers.
	MaxConns int `yaml:"max_conns"`

	// HealthInterval is the connection ping period. Negative disables
	// supervision.
	HealthInterval time.Duration `yaml:"health_interval"`

	// FailureThreshold is the number of consecutive failed pings after which
	// the store is faulted.
	FailureThreshold int `yaml:"failure_threshold"`
}

// Notify tunes change notifications.
type Notify struct {
	// Backlog is the per-receiver buffer; older notifications are dropped
	// when it overflows.
	Backlog int `yaml:"backlog"`
}

// HTTP configures the HTTP component.
type HTTP struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Telemetry toggles the OpenTelemetry store decorator.
type Telemetry struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Service: "eventific",
		Store: Store{
			Driver:           DriverSQLite,
			DSN:              "eventific.db",
			MaxConns:         1,
			HealthInterval:   5 * time.Second,
			FailureThreshold: 3,
		},
		Notify: Notify{Backlog: 1024},
		HTTP:   HTTP{Addr: ":8080"},
	}
}

// FieldError reports one invalid setting.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks every field and reports all problems at once.
func (c Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := event.NewStoreContext(c.Service).NormalizedServiceName(); err != nil {
		add("service", "%v", err)
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			add("store.dsn", "required for driver %q", c.Store.Driver)
		}
	case DriverMemory:
	default:
		add("store.driver", "unknown driver %q (want sqlite, postgres or memory)", c.Store.Driver)
	}
	if c.Store.MaxConns < 1 {
		add("store.max_conns", "must be at least 1, got %d", c.Store.MaxConns)
	}
	if c.Store.HealthInterval == 0 {
		add("store.health_interval", "must be non-zero; use a negative value to disable")
	}
	if c.Store.FailureThreshold < 1 {
		add("store.failure_threshold", "must be at least 1, got %d", c.Store.FailureThreshold)
	}
	if c.Notify.Backlog < 1 {
		add("notify.backlog", "must be at least 1, got %d", c.Notify.Backlog)
	}

	return errors.Join(errs...)
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		cfg, err = ParseCUE(path, data)
	} else {
		cfg, err = ParseYAML(data)
	}
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseYAML decodes data over Default. It does not validate.
func ParseYAML(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml config: %w", err)
	}
	return cfg, nil
}

// ParseCUE unifies data with the #Config schema and decodes the result. The
// file must be closed under the schema and concrete after defaults apply.
// filename is used in error positions only.
func ParseCUE(filename string, data []byte) (Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile config schema: %w", err)
	}

	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return Config{}, fmt.Errorf("compile %s: %w", filename, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("validate %s: %w", filename, err)
	}

	// JSON is valid YAML, and the YAML decoder understands duration strings.
	raw, err := unified.MarshalJSON()
	if err != nil {
		return Config{}, fmt.Errorf("export %s: %w", filename, err)
	}
	return ParseYAML(raw)
}
