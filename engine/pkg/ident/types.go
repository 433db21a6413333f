package ident

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TypeKind is one of the primitive column types supported by the engine.
type TypeKind string

const (
	TypeVarchar   TypeKind = "VARCHAR"
	TypeInteger   TypeKind = "INTEGER"
	TypeBigint    TypeKind = "BIGINT"
	TypeSmallint  TypeKind = "SMALLINT"
	TypeDouble    TypeKind = "DOUBLE"
	TypeReal      TypeKind = "REAL"
	TypeBoolean   TypeKind = "BOOLEAN"
	TypeDate      TypeKind = "DATE"
	TypeTimestamp TypeKind = "TIMESTAMP"
	TypeDecimal   TypeKind = "DECIMAL"
)

var typeAliases = map[string]TypeKind{
	"VARCHAR":   TypeVarchar,
	"TEXT":      TypeVarchar,
	"STRING":    TypeVarchar,
	"INTEGER":   TypeInteger,
	"INT":       TypeInteger,
	"INT4":      TypeInteger,
	"BIGINT":    TypeBigint,
	"INT8":      TypeBigint,
	"SMALLINT":  TypeSmallint,
	"INT2":      TypeSmallint,
	"DOUBLE":    TypeDouble,
	"FLOAT":     TypeDouble,
	"FLOAT8":    TypeDouble,
	"REAL":      TypeReal,
	"FLOAT4":    TypeReal,
	"BOOLEAN":   TypeBoolean,
	"BOOL":      TypeBoolean,
	"DATE":      TypeDate,
	"TIMESTAMP": TypeTimestamp,
	"DECIMAL":   TypeDecimal,
	"NUMERIC":   TypeDecimal,
}

// maxParams is the number of parenthesized parameters each kind accepts.
var maxParams = map[TypeKind]int{
	TypeVarchar: 1,
	TypeDecimal: 2,
}

const maxDecimalPrecision = 38

var typePattern = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9]*)\s*(?:\(\s*([0-9]+(?:\s*,\s*[0-9]+)*)\s*\))?\s*$`)

// Type is a parsed column type: a kind plus its numeric parameters.
type Type struct {
	Kind   TypeKind
	Params []int
}

// ParseType parses a declared column type such as "INTEGER", "varchar(64)"
// or "DECIMAL(10, 2)".
func ParseType(s string) (Type, error) {
	m := typePattern.FindStringSubmatch(s)
	if m == nil {
		return Type{}, &Error{Kind: "column type", Value: s, Reason: "expected WORD optionally followed by (N[, N...])"}
	}

	kind, ok := typeAliases[strings.ToUpper(m[1])]
	if !ok {
		return Type{}, &Error{Kind: "column type", Value: s, Reason: fmt.Sprintf("unsupported type %s", strings.ToUpper(m[1]))}
	}

	var params []int
	if m[2] != "" {
		for _, p := range strings.Split(m[2], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return Type{}, &Error{Kind: "column type", Value: s, Reason: "parameters must be integers"}
			}
			params = append(params, n)
		}
	}

	t := Type{Kind: kind, Params: params}
	if err := t.validateParams(); err != nil {
		return Type{}, &Error{Kind: "column type", Value: s, Reason: err.Error()}
	}
	return t, nil
}

// MustParseType is ParseType for literals known to be valid.
func MustParseType(s string) Type {
	t, err := ParseType(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t Type) validateParams() error {
	if len(t.Params) > maxParams[t.Kind] {
		if maxParams[t.Kind] == 0 {
			return fmt.Errorf("%s takes no parameters", t.Kind)
		}
		return fmt.Errorf("%s takes at most %d parameters", t.Kind, maxParams[t.Kind])
	}
	switch t.Kind {
	case TypeVarchar:
		if len(t.Params) == 1 && t.Params[0] < 1 {
			return fmt.Errorf("VARCHAR length must be positive")
		}
	case TypeDecimal:
		if len(t.Params) >= 1 && (t.Params[0] < 1 || t.Params[0] > maxDecimalPrecision) {
			return fmt.Errorf("DECIMAL precision must be between 1 and %d", maxDecimalPrecision)
		}
		if len(t.Params) == 2 && t.Params[1] > t.Params[0] {
			return fmt.Errorf("DECIMAL scale must not exceed precision")
		}
	}
	return nil
}

// String renders the canonical form stored in the catalog.
func (t Type) String() string {
	if len(t.Params) == 0 {
		return string(t.Kind)
	}
	parts := make([]string, len(t.Params))
	for i, p := range t.Params {
		parts[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("%s(%s)", t.Kind, strings.Join(parts, ","))
}

// IsNumeric reports whether values of the type can be compared against
// numeric range bounds.
func (t Type) IsNumeric() bool {
	switch t.Kind {
	case TypeInteger, TypeBigint, TypeSmallint, TypeDouble, TypeReal, TypeDecimal:
		return true
	}
	return false
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
