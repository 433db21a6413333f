package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration matches every ConfigurationError through errors.Is.
	ErrConfiguration = errors.New("configuration error")

	ErrEntityNotFound     = errors.New("entity not found")
	ErrNoColumnsDefined   = errors.New("no columns defined")
	ErrMissingBusinessKey = errors.New("historized entity requires at least one business key column")
	ErrDuplicateColumn    = errors.New("duplicate column")
	ErrInvalidKind        = errors.New("invalid entity kind")
	ErrInvalidRule        = errors.New("invalid data quality rule")

	// ErrKindConflict reports a target table built by the other materialization kind.
	ErrKindConflict = errors.New("target table was materialized with a different kind")
)

// ConfigurationError reports an entity whose catalog declaration does not
// allow the requested operation. It is not retryable.
type ConfigurationError struct {
	Op     string
	Entity string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: entity %q: %v", e.Op, e.Entity, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func configErr(op, entity string, err error) error {
	return &ConfigurationError{Op: op, Entity: entity, Err: err}
}

// NewConfigurationError is used by the processing stages to report catalog
// declarations they cannot act on.
func NewConfigurationError(op, entity string, err error) error {
	return configErr(op, entity, err)
}
