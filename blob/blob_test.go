package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirPutIfAbsent(t *testing.T) {
	root := t.TempDir()
	d := Dir{Root: root}
	ctx := context.Background()

	skipped, err := PutIfAbsent(ctx, d, "kent/year=2024/month=01/01.csv", strings.NewReader("a,b\n"))
	require.NoError(t, err)
	assert.False(t, skipped)

	skipped, err = PutIfAbsent(ctx, d, "kent/year=2024/month=01/01.csv", strings.NewReader("changed"))
	require.NoError(t, err)
	assert.True(t, skipped)

	body, err := os.ReadFile(filepath.Join(root, "kent", "year=2024", "month=01", "01.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(body))
}

func TestDirRejectsEscape(t *testing.T) {
	d := Dir{Root: t.TempDir()}
	ctx := context.Background()
	assert.Error(t, d.Put(ctx, "../outside.csv", strings.NewReader("x")))
	_, err := d.Exists(ctx, "")
	assert.Error(t, err)
}
