package ident

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxLength is the longest identifier accepted, matching the Postgres and
// DuckDB limit.
const MaxLength = 63

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Error is returned for a malformed identifier or column type. It is raised
// before any statement is built.
type Error struct {
	Kind   string
	Value  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.Value, e.Reason)
}

// Validate checks that value is a safe SQL identifier. kind names the value in
// the error, e.g. "entity name" or "column name".
func Validate(kind, value string) error {
	if !identifierPattern.MatchString(value) {
		return &Error{
			Kind:   kind,
			Value:  value,
			Reason: "must start with a letter or underscore and contain only letters, digits and underscores",
		}
	}
	if len(value) > MaxLength {
		return &Error{
			Kind:   kind,
			Value:  value,
			Reason: fmt.Sprintf("too long (max %d characters)", MaxLength),
		}
	}
	return nil
}

// ValidateAll validates each value and returns the first error.
func ValidateAll(kind string, values ...string) error {
	for _, v := range values {
		if err := Validate(kind, v); err != nil {
			return err
		}
	}
	return nil
}

// Normalize folds an identifier to lower case, the form both engines store
// unquoted identifiers in. Names that differ only by case are the same name.
func Normalize(value string) string {
	return strings.ToLower(value)
}

// Qualify joins a schema and table name. Both parts must already be validated.
func Qualify(schema, table string) string {
	return schema + "." + table
}
