package firewall

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_ScopeMismatch(t *testing.T) {
	fw := New(nil)
	res := fw.Check("deploy_app_update", nil, "core.notes")
	assert.False(t, res.Allowed)
	assert.Equal(t, "core.ops", res.RequiredScope)
	assert.True(t, res.Failed(CheckScopeMatch))
	assert.Contains(t, res.BlockReason, "core.ops")
}

func TestCheck_Match(t *testing.T) {
	fw := New(nil)
	res := fw.Check("read_notes_list", nil, "core.notes")
	require.True(t, res.Allowed)
	assert.Empty(t, res.BlockReason)
	assert.False(t, res.Failed(CheckScopeMatch))
}

func TestCheck_UnknownToolFailsClosed(t *testing.T) {
	fw := New(nil)
	res := fw.Check("launch_missiles", nil, "core.system")
	assert.False(t, res.Allowed)
	assert.True(t, res.Failed(CheckToolKnown))
	assert.True(t, res.Failed(CheckScopeMatch))
}

func TestRequiredScope_LongestPrefixWins(t *testing.T) {
	fw := New(map[string]string{
		"files_":         "core.files",
		"files_secrets_": "core.vault",
	})
	scope, ok := fw.RequiredScope("files_secrets_read")
	require.True(t, ok)
	assert.Equal(t, "core.vault", scope)
	scope, _ = fw.RequiredScope("files_list")
	assert.Equal(t, "core.files", scope)
}

func TestScopes(t *testing.T) {
	fw := New(nil)
	assert.Equal(t, []string{
		"core.admin", "core.audit", "core.files", "core.notes",
		"core.ops", "core.settings", "core.system",
	}, fw.Scopes())
}

func TestCheck_ArgsSchema(t *testing.T) {
	fw := New(nil)
	require.NoError(t, fw.SetSchema("read_notes_list", `{
		"type": "object",
		"properties": {"limit": {"type": "integer", "maximum": 100}},
		"required": ["limit"]
	}`))

	var good, bad map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"limit": 10}`), &good))
	require.NoError(t, json.Unmarshal([]byte(`{"limit": 9999}`), &bad))

	res := fw.Check("read_notes_list", good, "core.notes")
	assert.True(t, res.Allowed)

	res = fw.Check("read_notes_list", bad, "core.notes")
	assert.False(t, res.Allowed)
	assert.True(t, res.Failed(CheckArgsSchema))
	assert.False(t, res.Failed(CheckScopeMatch))

	// no args supplied: schema is not applied
	res = fw.Check("read_notes_list", nil, "core.notes")
	assert.True(t, res.Allowed)
}

func TestSetSchema_Errors(t *testing.T) {
	fw := New(nil)
	assert.Error(t, fw.SetSchema("read_notes_list", `{not json`))
	require.NoError(t, fw.SetSchema("read_notes_list", `{"type":"object"}`))
	require.NoError(t, fw.SetSchema("read_notes_list", ""))
	assert.Empty(t, fw.schemas)
}
