package cli

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectGolden(t *testing.T) {
	out, err := runCommand(t, NewInspectCommand(&RootOptions{Format: "json"}), "testdata/schema.yaml", "--mapping", "underscored")
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "inspect_underscored", []byte(out))
}

func TestInspectText(t *testing.T) {
	out, err := runCommand(t, NewInspectCommand(&RootOptions{Format: "text"}), "testdata/schema.yaml", "--mapping", "identity")
	require.NoError(t, err)

	assert.Contains(t, out, "mapping: identity")
	assert.Contains(t, out, "Widget  /widgets")
	assert.Regexp(t, `\* identifier\s+integer\s+-> id`, out)
	assert.Regexp(t, `displayName\s+string\s+-> displayName`, out)
	assert.Regexp(t, `localNote\s+string\s+-> -`, out)
	assert.Regexp(t, `parts\s+to-many\s+-> parts \(Part\) inline objects`, out)
	assert.Regexp(t, `widget\s+to-one\s+-> widget \(Widget\)`, out)
}

func TestInspectUnknownMapping(t *testing.T) {
	_, err := runCommand(t, NewInspectCommand(&RootOptions{Format: "text"}), "testdata/schema.yaml", "--mapping", "kebab")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeConfig)
}

func TestInspectBrokenSchema(t *testing.T) {
	_, err := runCommand(t, NewInspectCommand(&RootOptions{Format: "text"}), "testdata/broken_schema.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeSchema)
}
