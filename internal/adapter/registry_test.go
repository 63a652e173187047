package adapter

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	BaseSQLAdapter
	connectErr error
	connected  Config
}

func (s *stubAdapter) Connect(_ context.Context, cfg Config) error {
	s.connected = cfg
	return s.connectErr
}

func (s *stubAdapter) GetTableMetadata(context.Context, string) (*Metadata, error) {
	return nil, errors.New("not implemented")
}

func (s *stubAdapter) ListTables(context.Context, string) ([]string, error) { return nil, nil }

func (s *stubAdapter) LoadCSV(context.Context, string, string) error { return nil }

func (s *stubAdapter) DialectName() string { return "stub" }

func TestUnknownAdapterError_Error(t *testing.T) {
	err := &UnknownAdapterError{Type: "fake_db", Available: []string{"duckdb", "postgres"}}

	msg := err.Error()
	assert.Contains(t, msg, "fake_db")
	assert.Contains(t, msg, "leapfuse.yaml")
}

func TestRegister(t *testing.T) {
	Register("test_adapter_internal", func(_ *slog.Logger) Adapter { return nil })

	assert.True(t, IsRegistered("test_adapter_internal"))
	factory, ok := Lookup("TEST_ADAPTER_INTERNAL")
	assert.True(t, ok)
	assert.NotNil(t, factory)
	assert.Contains(t, ListAdapters(), "test_adapter_internal")
}

func TestNewAdapter(t *testing.T) {
	_, err := NewAdapter(Config{}, nil)
	require.Error(t, err)
	assert.Equal(t, "adapter type not specified", err.Error())

	_, err = NewAdapter(Config{Type: "nope"}, nil)
	var unknown *UnknownAdapterError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.Type)
}

func TestOpen(t *testing.T) {
	ok := &stubAdapter{}
	failing := &stubAdapter{connectErr: assert.AnError}
	Register("stub_ok", func(*slog.Logger) Adapter { return ok })
	Register("stub_failing", func(*slog.Logger) Adapter { return failing })

	a, err := Open(context.Background(), Config{Type: "stub_ok", Database: "db"}, nil)
	require.NoError(t, err)
	assert.Same(t, ok, a)
	assert.Equal(t, "db", ok.connected.Database)

	_, err = Open(context.Background(), Config{Type: "stub_failing"}, nil)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "failed to connect stub_failing adapter")
}

func TestAliases(t *testing.T) {
	Register("postgres", func(*slog.Logger) Adapter { return &stubAdapter{} })

	for _, name := range []string{"postgres", "PostgreSQL", "pg", " postgres "} {
		assert.True(t, IsRegistered(name), name)
	}
	assert.NotContains(t, ListAdapters(), "postgresql")
	assert.False(t, IsRegistered("mysql"))
}
