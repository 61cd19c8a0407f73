package postgres

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil)
	assert.ErrorIs(t, err, ErrURLRequired)

	_, err = New(context.Background(), Config{URL: "postgres://%zz"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestEmbeddedMigrations(t *testing.T) {
	t.Parallel()

	names, err := fs.Glob(embedMigrations, "migrations/*.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"migrations/00001_team_memberships.sql",
		"migrations/00002_audit_events.sql",
	}, names)

	for _, name := range names {
		data, err := fs.ReadFile(embedMigrations, name)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(data), "-- +goose Up"), name)
		assert.True(t, strings.Contains(string(data), "-- +goose Down"), name)
	}
}
