package revy

import (
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
)

// DefaultChunkSize bounds how many dependent rows a cascade loads at once.
const DefaultChunkSize = 1000

// Config defines the main configuration options for revy.
type Config struct {
	// Models lists the type names to instrument. Empty or "*" means every
	// registered type.
	Models []string `yaml:"models"`
	// ExcludeAutoCreated skips types reporting AutoCreated() == true (join
	// tables and the like) when Models selects everything.
	ExcludeAutoCreated bool `yaml:"exclude_auto_created"`
	// ChunkSize is the cascade iteration chunk size (default: 1000).
	ChunkSize int `yaml:"chunk_size" validate:"gte=0"`
	// Serialization selects the attribute value codec: "json" (default) or
	// "msgpack".
	Serialization string `yaml:"serialization" validate:"omitempty,oneof=json msgpack"`

	Logger         logrus.FieldLogger    `yaml:"-"`
	Registerer     prometheus.Registerer `yaml:"-"`
	TracerProvider trace.TracerProvider  `yaml:"-"`
}

var validate = validator.New()

// Validate checks field constraints and reports the first violation as a
// ConfigurationError.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigurationError{
				Setting: fe.Field(),
				Reason:  fmt.Sprintf("failed %s validation, got %v", fe.Tag(), fe.Value()),
			}
		}
		return errors.Wrap(err, "revy: validate config")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Serialization == "" {
		c.Serialization = "json"
	}
	if c.Logger == nil {
		l := logrus.New()
		l.Out = io.Discard
		c.Logger = l
	}
	return c
}

// allowsAll reports whether the allow-list selects every registered type.
func (c Config) allowsAll() bool {
	if len(c.Models) == 0 {
		return true
	}
	for _, m := range c.Models {
		if m == "*" {
			return true
		}
	}
	return false
}

// LoadConfig reads a YAML configuration file. Runtime-only fields (Logger,
// Registerer, TracerProvider) are left for the caller to fill in.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "revy: read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "revy: parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
