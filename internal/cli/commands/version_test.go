package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVersionCommand(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantOut []string
	}{
		{name: "default version", version: "0.1.0", wantOut: []string{"leapflow v0.1.0", "commit abc123"}},
		{name: "dev version", version: "dev", wantOut: []string{"leapflow vdev"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewVersionCommand(tt.version, "abc123", "2026-01-01")
			buf := new(bytes.Buffer)
			cmd.SetOut(buf)
			cmd.SetErr(buf)

			require.NoError(t, cmd.Execute())
			for _, want := range tt.wantOut {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestCommandMetadata(t *testing.T) {
	cmds := []struct {
		use     string
		example bool
	}{
		{use: NewRunCommand().Use, example: NewRunCommand().Example != ""},
		{use: NewIngestCommand().Use, example: NewIngestCommand().Example != ""},
		{use: NewRefreshCommand().Use, example: NewRefreshCommand().Example != ""},
		{use: NewReadCommand().Use, example: NewReadCommand().Example != ""},
		{use: NewQualityCommand().Use, example: NewQualityCommand().Example != ""},
	}
	for _, c := range cmds {
		assert.NotEmpty(t, c.use)
		assert.True(t, c.example, "%s should have an example", c.use)
	}
	assert.Equal(t, "dag", NewDAGCommand().Use)
	assert.NotEmpty(t, NewStatusCommand().Long)
	assert.NotEmpty(t, NewValidateCommand().Long)
}
