// Package field defines column identities carried through a pipeline and the
// registry that deduplicates them across operators.
package field

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DataType is the canonical column type understood by the pipeline.
type DataType string

// Canonical data types.
const (
	TypeString    DataType = "string"
	TypeInt       DataType = "int"
	TypeBigInt    DataType = "bigint"
	TypeDecimal   DataType = "decimal"
	TypeDouble    DataType = "double"
	TypeBoolean   DataType = "boolean"
	TypeDate      DataType = "date"
	TypeTimestamp DataType = "timestamp"
	TypeUnknown   DataType = "unknown"
)

var typeAliases = map[string]DataType{
	"string":                   TypeString,
	"varchar":                  TypeString,
	"char":                     TypeString,
	"text":                     TypeString,
	"uuid":                     TypeString,
	"int":                      TypeInt,
	"integer":                  TypeInt,
	"int4":                     TypeInt,
	"smallint":                 TypeInt,
	"tinyint":                  TypeInt,
	"bigint":                   TypeBigInt,
	"int8":                     TypeBigInt,
	"long":                     TypeBigInt,
	"hugeint":                  TypeBigInt,
	"decimal":                  TypeDecimal,
	"numeric":                  TypeDecimal,
	"double":                   TypeDouble,
	"double precision":         TypeDouble,
	"float":                    TypeDouble,
	"float4":                   TypeDouble,
	"float8":                   TypeDouble,
	"real":                     TypeDouble,
	"bool":                     TypeBoolean,
	"boolean":                  TypeBoolean,
	"date":                     TypeDate,
	"timestamp":                TypeTimestamp,
	"datetime":                 TypeTimestamp,
	"timestamptz":              TypeTimestamp,
	"timestamp with time zone": TypeTimestamp,
}

// ParseDataType maps a database or persisted type name onto the canonical set.
// Length/precision suffixes such as "(10,2)" are ignored.
func ParseDataType(s string) DataType {
	name := strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	if dt, ok := typeAliases[name]; ok {
		return dt
	}
	return TypeUnknown
}

// IsNumeric reports whether values of the type can be compared numerically.
func (t DataType) IsNumeric() bool {
	switch t {
	case TypeInt, TypeBigInt, TypeDecimal, TypeDouble:
		return true
	}
	return false
}

// Origin records where a field traces back to.
type Origin struct {
	NodeID  string `json:"node_id,omitempty"`
	Table   string `json:"table,omitempty"`
	FieldID string `json:"field_id,omitempty"`
}

// Field is a column identity. ID is stable across renames of DisplayName.
type Field struct {
	ID            string   `json:"id"`
	TechnicalName string   `json:"name_en"`
	DisplayName   string   `json:"original_name"`
	DataType      DataType `json:"data_type"`
	Length        int      `json:"length,omitempty"`
	Precision     int      `json:"precision,omitempty"`
	Scale         int      `json:"scale,omitempty"`
	Origin        Origin   `json:"origin,omitzero"`
	// Renamed marks a DisplayName set by the user; derivation keeps it.
	Renamed bool `json:"renamed,omitempty"`
}

// Label returns the name shown to users.
func (f Field) Label() string {
	if f.DisplayName != "" {
		return f.DisplayName
	}
	return f.TechnicalName
}

// DefaultDisplayName derives a human label from a technical column name:
// "order_amount" becomes "Order Amount".
func DefaultDisplayName(technical string) string {
	words := strings.FieldsFunc(technical, func(r rune) bool {
		return r == '_' || r == '-' || r == ' ' || r == '.'
	})
	if len(words) == 0 {
		return technical
	}
	// Casers carry state, so each call gets its own.
	return cases.Title(language.English).String(strings.Join(words, " "))
}

// IDs returns the ids of the given fields in order.
func IDs(fields []Field) []string {
	ids := make([]string, len(fields))
	for i, f := range fields {
		ids[i] = f.ID
	}
	return ids
}

// Find returns the field with the given id.
func Find(fields []Field, id string) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// FindByName returns the field with the given technical name (case-insensitive).
func FindByName(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if strings.EqualFold(f.TechnicalName, name) {
			return f, true
		}
	}
	return Field{}, false
}

// Clone returns a copy of the slice; nil stays nil.
func Clone(fields []Field) []Field {
	if fields == nil {
		return nil
	}
	out := make([]Field, len(fields))
	copy(out, fields)
	return out
}
