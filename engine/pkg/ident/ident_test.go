package ident

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransmute_Ident_Validate(t *testing.T) {
	t.Parallel()

	valid := []string{"customer", "_private", "Customer_2", "a", strings.Repeat("x", MaxLength)}
	for _, v := range valid {
		require.NoError(t, Validate("entity name", v), v)
	}

	invalid := []string{"", "2fast", "drop table", "name;--", "naïve", "a-b", "schema.table", strings.Repeat("x", MaxLength+1)}
	for _, v := range invalid {
		err := Validate("entity name", v)
		require.Error(t, err, v)

		var identErr *Error
		require.True(t, errors.As(err, &identErr))
		require.Equal(t, v, identErr.Value)
		require.Equal(t, "entity name", identErr.Kind)
	}
}

func TestTransmute_Ident_ValidateAll(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateAll("column name", "a", "b"))
	err := ValidateAll("column name", "a", "b c", "d")
	require.ErrorContains(t, err, `"b c"`)
}

func TestTransmute_Ident_ParseType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"INTEGER", "INTEGER"},
		{"int", "INTEGER"},
		{"text", "VARCHAR"},
		{"varchar(64)", "VARCHAR(64)"},
		{"DECIMAL(10, 2)", "DECIMAL(10,2)"},
		{"numeric(5)", "DECIMAL(5)"},
		{" timestamp ", "TIMESTAMP"},
		{"bool", "BOOLEAN"},
		{"FLOAT8", "DOUBLE"},
		{"date", "DATE"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseType(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got.String())
		})
	}
}

func TestTransmute_Ident_ParseType_Rejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"INTEGER; DROP TABLE x",
		"VARCHAR(abc)",
		"DECIMAL(10,2,3)",
		"DECIMAL(2,10)",
		"DECIMAL(0)",
		"DECIMAL(39)",
		"INTEGER(4)",
		"VARCHAR(0)",
		"GEOMETRY",
		"DOUBLE PRECISION",
		"VARCHAR(",
	} {
		_, err := ParseType(in)
		require.Error(t, err, in)

		var identErr *Error
		require.True(t, errors.As(err, &identErr), in)
		require.Equal(t, "column type", identErr.Kind)
	}
}

func TestTransmute_Ident_TypeIsNumeric(t *testing.T) {
	t.Parallel()

	require.True(t, MustParseType("DECIMAL(10,2)").IsNumeric())
	require.True(t, MustParseType("INTEGER").IsNumeric())
	require.False(t, MustParseType("VARCHAR").IsNumeric())
	require.False(t, MustParseType("DATE").IsNumeric())
}

func TestTransmute_Ident_TypeText(t *testing.T) {
	t.Parallel()

	b, err := MustParseType("numeric(12, 4)").MarshalText()
	require.NoError(t, err)
	require.Equal(t, "DECIMAL(12,4)", string(b))

	var typ Type
	require.NoError(t, typ.UnmarshalText([]byte("int8")))
	require.Equal(t, TypeBigint, typ.Kind)
	require.Error(t, typ.UnmarshalText([]byte("blob")))
}
