package revy

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotRegistered is returned for models whose type was never registered.
	ErrNotRegistered = errors.New("revy: model type is not registered")
	ErrUnknownField  = errors.New("revy: unknown field")
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound     = errors.New("revy: not found")
	ErrNoPrimaryKey = errors.New("revy: primary key is not set")
)

// ConfigurationError reports a model or setting that cannot be resolved.
// It is returned eagerly by New and Register.
type ConfigurationError struct {
	Model   string
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Model != "" && e.Setting != "":
		return fmt.Sprintf("revy: configuration: %s: %s: %s", e.Model, e.Setting, e.Reason)
	case e.Model != "":
		return fmt.Sprintf("revy: configuration: %s: %s", e.Model, e.Reason)
	case e.Setting != "":
		return fmt.Sprintf("revy: configuration: %s: %s", e.Setting, e.Reason)
	}
	return "revy: configuration: " + e.Reason
}
