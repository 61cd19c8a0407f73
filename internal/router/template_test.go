package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplate_Match(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		pattern        string
		path           string
		expected       bool
		expectedParams map[string]string
	}{
		{
			name:           "team and resource",
			pattern:        "/teams/{team_id}/keys/{resource_id}",
			path:           "/teams/t1/keys/k9",
			expected:       true,
			expectedParams: map[string]string{"team_id": "t1", "resource_id": "k9"},
		},
		{
			name:           "trailing wildcard with remainder",
			pattern:        "/teams/{team_id}/*",
			path:           "/teams/t1/keys/k9/versions",
			expected:       true,
			expectedParams: map[string]string{"team_id": "t1"},
		},
		{
			name:           "trailing wildcard empty remainder",
			pattern:        "/teams/{team_id}/*",
			path:           "/teams/t1",
			expected:       true,
			expectedParams: map[string]string{"team_id": "t1"},
		},
		{
			name:           "root",
			pattern:        "/",
			path:           "/",
			expected:       true,
			expectedParams: map[string]string{},
		},
		{
			name:           "catch all",
			pattern:        "/*",
			path:           "/anything/at/all",
			expected:       true,
			expectedParams: map[string]string{},
		},
		{
			name:     "extra segment",
			pattern:  "/teams/{team_id}",
			path:     "/teams/t1/keys",
			expected: false,
		},
		{
			name:     "missing segment",
			pattern:  "/teams/{team_id}/keys",
			path:     "/teams/t1",
			expected: false,
		},
		{
			name:     "literal mismatch",
			pattern:  "/teams/{team_id}",
			path:     "/users/t1",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tmpl, err := ParseTemplate(tt.pattern)
			require.NoError(t, err)

			matched, params := tmpl.Match(tt.path)
			assert.Equal(t, tt.expected, matched)
			if tt.expectedParams != nil {
				assert.Equal(t, tt.expectedParams, params)
			}
			assert.Equal(t, tt.pattern, tmpl.Pattern())
		})
	}
}

func TestParseTemplate_Invalid(t *testing.T) {
	t.Parallel()

	patterns := []string{
		"teams/{team_id}",
		"/teams//keys",
		"/teams/*/keys",
		"/teams/{}",
		"/teams/{team_id}/{team_id}",
		"/teams/x{team_id}",
		"/teams/{team*}",
	}

	for _, pattern := range patterns {
		t.Run(pattern, func(t *testing.T) {
			t.Parallel()
			_, err := ParseTemplate(pattern)
			assert.ErrorIs(t, err, ErrInvalidTemplate)
		})
	}
}

func TestTemplate_HasParam(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseTemplate("/teams/{team_id}/keys/{resource_id}")
	require.NoError(t, err)
	assert.True(t, tmpl.HasParam(ParamTeamID))
	assert.True(t, tmpl.HasParam(ParamResourceID))
	assert.False(t, tmpl.HasParam("id"))
}
