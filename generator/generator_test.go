package generator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDbyIP(t *testing.T) {
	assert.Equal(t, uint32(0xC0A80001), IDbyIP("192.168.0.1"))
	assert.Equal(t, uint32(0), IDbyIP("::1"))
	assert.Equal(t, uint32(0), IDbyIP("not an ip"))
}

func TestNodeByIP(t *testing.T) {
	assert.Equal(t, int64(1), NodeByIP("192.168.0.1"))
	assert.Equal(t, int64(0x3FF), NodeByIP("10.0.3.255"))
	assert.NotEqual(t, NodeByIP("10.0.0.7"), NodeByIP("10.0.0.8"))
}

func TestLocalNodeInRange(t *testing.T) {
	n := LocalNode()
	assert.GreaterOrEqual(t, n, int64(0))
	assert.LessOrEqual(t, n, int64(maxNode))
}
