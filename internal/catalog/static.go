package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/leapfuse/internal/field"
)

// StaticFile is the YAML layout of a catalog file:
//
//	datasources:
//	  crm:
//	    tables:
//	      customers:
//	        relation: crm.customers
//	        columns:
//	          - name: id
//	            type: integer
//	          - name: name
//	            display_name: Customer name
type StaticFile struct {
	Datasources map[string]StaticDatasource `yaml:"datasources"`
}

// StaticDatasource lists the tables of one datasource.
type StaticDatasource struct {
	Tables map[string]StaticTable `yaml:"tables"`
}

// StaticTable declares one table.
type StaticTable struct {
	Relation string         `yaml:"relation"`
	Columns  []StaticColumn `yaml:"columns"`
}

// StaticColumn declares one column; the type defaults to string.
type StaticColumn struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	DisplayName string `yaml:"display_name"`
}

// Static is a catalog declared in a file.
type Static struct {
	file StaticFile
}

// LoadStatic reads a catalog file.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return ParseStatic(data)
}

// ParseStatic parses catalog YAML.
func ParseStatic(data []byte) (*Static, error) {
	var f StaticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	for ds, d := range f.Datasources {
		for name, t := range d.Tables {
			for i, c := range t.Columns {
				if c.Name == "" {
					return nil, fmt.Errorf("catalog %s.%s: column %d has no name", ds, name, i+1)
				}
			}
		}
	}
	return &Static{file: f}, nil
}

func (s *Static) Datasources(context.Context) ([]string, error) {
	names := make([]string, 0, len(s.file.Datasources))
	for n := range s.file.Datasources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Static) Tables(_ context.Context, datasource string) ([]string, error) {
	d, ok := s.file.Datasources[datasource]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatasourceNotFound, datasource)
	}
	names := make([]string, 0, len(d.Tables))
	for n := range d.Tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Static) Describe(_ context.Context, datasource, table string) (*Table, error) {
	d, ok := s.file.Datasources[datasource]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatasourceNotFound, datasource)
	}
	t, ok := d.Tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrTableNotFound, datasource, table)
	}

	relation := t.Relation
	if relation == "" {
		relation = table
	}
	fields := make([]field.Field, len(t.Columns))
	for i, c := range t.Columns {
		display := c.DisplayName
		if display == "" {
			display = field.DefaultDisplayName(c.Name)
		}
		dt := field.TypeString
		if c.Type != "" {
			dt = field.ParseDataType(c.Type)
		}
		fields[i] = field.Field{TechnicalName: c.Name, DisplayName: display, DataType: dt}
	}
	return &Table{Datasource: datasource, Name: table, Relation: relation, Fields: fields}, nil
}
