package catalog

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/malbeclabs/transmute/engine/pkg/ident"
)

// Kind selects how an entity's final tier is materialized.
type Kind string

const (
	KindSnapshot   Kind = "snapshot"
	KindHistorized Kind = "historized"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindSnapshot:
		return KindSnapshot, nil
	case KindHistorized, "type2_dimension":
		return KindHistorized, nil
	}
	return "", fmt.Errorf("%w: %q (expected %s or %s)", ErrInvalidKind, s, KindSnapshot, KindHistorized)
}

type Entity struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Kind         Kind      `json:"kind"`
	TargetSchema string    `json:"target_schema"`
	SourceTable  string    `json:"source_table,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EntitySpec is the declaration accepted by RegisterOrUpdateEntity.
type EntitySpec struct {
	Name         string `yaml:"name" json:"name"`
	Kind         Kind   `yaml:"kind" json:"kind"`
	TargetSchema string `yaml:"target_schema,omitempty" json:"target_schema,omitempty"`
	SourceTable  string `yaml:"source_table,omitempty" json:"source_table,omitempty"`
	Description  string `yaml:"description,omitempty" json:"description,omitempty"`
}

type DQRuleType string

const (
	DQRuleRange         DQRuleType = "range"
	DQRulePattern       DQRuleType = "pattern"
	DQRuleAllowedValues DQRuleType = "allowed_values"
)

// DQRule is a row-level data quality check. A violation marks the row
// invalid; it never aborts processing.
type DQRule struct {
	Type   DQRuleType `yaml:"type" json:"type"`
	Min    *float64   `yaml:"min,omitempty" json:"min,omitempty"`
	Max    *float64   `yaml:"max,omitempty" json:"max,omitempty"`
	Regex  string     `yaml:"regex,omitempty" json:"regex,omitempty"`
	Values []string   `yaml:"values,omitempty" json:"values,omitempty"`
}

func (r *DQRule) Validate(columnType ident.Type) error {
	switch r.Type {
	case DQRuleRange:
		if r.Min == nil && r.Max == nil {
			return fmt.Errorf("%w: range needs min or max", ErrInvalidRule)
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return fmt.Errorf("%w: range min %v exceeds max %v", ErrInvalidRule, *r.Min, *r.Max)
		}
		if !columnType.IsNumeric() {
			return fmt.Errorf("%w: range applies to numeric columns, not %s", ErrInvalidRule, columnType)
		}
	case DQRulePattern:
		if r.Regex == "" {
			return fmt.Errorf("%w: pattern needs regex", ErrInvalidRule)
		}
		if _, err := regexp.Compile(r.Regex); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	case DQRuleAllowedValues:
		if len(r.Values) == 0 {
			return fmt.Errorf("%w: allowed_values needs values", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, r.Type)
	}
	return nil
}

type Column struct {
	ID           int64      `json:"id"`
	EntityID     int64      `json:"entity_id"`
	Name         string     `json:"name"`
	Type         ident.Type `json:"type"`
	Nullable     bool       `json:"nullable"`
	BusinessKey  bool       `json:"business_key"`
	TrackHistory bool       `json:"track_history"`
	Measure      bool       `json:"measure"`
	Dimension    bool       `json:"dimension"`
	Default      *string    `json:"default,omitempty"`
	Description  string     `json:"description,omitempty"`
	DQRule       *DQRule    `json:"dq_rule,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Spec returns the declaration that produces c.
func (c Column) Spec() ColumnSpec {
	nullable := c.Nullable
	return ColumnSpec{
		Name:         c.Name,
		Type:         c.Type.String(),
		Nullable:     &nullable,
		BusinessKey:  c.BusinessKey,
		TrackHistory: c.TrackHistory,
		Measure:      c.Measure,
		Dimension:    c.Dimension,
		Default:      c.Default,
		Description:  c.Description,
		DQRule:       c.DQRule,
	}
}

// ColumnSpec is the declaration accepted by AddColumn. Nullable defaults to
// true when unset.
type ColumnSpec struct {
	Name         string  `yaml:"name" json:"name"`
	Type         string  `yaml:"type" json:"type"`
	Nullable     *bool   `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	BusinessKey  bool    `yaml:"business_key,omitempty" json:"business_key,omitempty"`
	TrackHistory bool    `yaml:"track_history,omitempty" json:"track_history,omitempty"`
	Measure      bool    `yaml:"measure,omitempty" json:"measure,omitempty"`
	Dimension    bool    `yaml:"dimension,omitempty" json:"dimension,omitempty"`
	Default      *string `yaml:"default,omitempty" json:"default,omitempty"`
	Description  string  `yaml:"description,omitempty" json:"description,omitempty"`
	DQRule       *DQRule `yaml:"dq_rule,omitempty" json:"dq_rule,omitempty"`
}

// EntitySnapshot is an entity with its columns in registration order.
type EntitySnapshot struct {
	Entity  Entity   `json:"entity"`
	Columns []Column `json:"columns"`
}

func (s *EntitySnapshot) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

func (s *EntitySnapshot) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

func (s *EntitySnapshot) filter(keep func(Column) bool) []Column {
	var out []Column
	for _, c := range s.Columns {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *EntitySnapshot) BusinessKeys() []Column {
	return s.filter(func(c Column) bool { return c.BusinessKey })
}

func (s *EntitySnapshot) TrackedColumns() []Column {
	return s.filter(func(c Column) bool { return c.TrackHistory })
}

func (s *EntitySnapshot) Measures() []Column {
	return s.filter(func(c Column) bool { return c.Measure })
}

// Dimensions returns columns flagged as dimensions that are not measures.
func (s *EntitySnapshot) Dimensions() []Column {
	return s.filter(func(c Column) bool { return c.Dimension && !c.Measure })
}

func Names(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}
