package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		wantErr bool
	}{
		{name: "default level", level: ""},
		{name: "debug", level: "debug"},
		{name: "upper case", level: "WARN"},
		{name: "unknown level", level: "chatty", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, closer, err := New(tt.level, "")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
			assert.NoError(t, closer.Close())
		})
	}
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policedata.log")
	logger, closer, err := New("info", path)
	require.NoError(t, err)

	logger.Info("hello file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
	assert.Contains(t, string(data), `"level":"INFO"`)
}
