package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinProxySwitcher(t *testing.T) {
	_, err := RoundRobinProxySwitcher()
	assert.Error(t, err)

	_, err = RoundRobinProxySwitcher("127.0.0.1:8888")
	assert.Error(t, err)

	s, err := RoundRobinProxySwitcher("http://127.0.0.1:8888", "socks5://127.0.0.1:1080")
	require.NoError(t, err)

	got := []string{}
	for i := 0; i < 4; i++ {
		u, err := s.GetProxy(nil)
		require.NoError(t, err)
		got = append(got, u.String())
	}
	assert.Equal(t, []string{
		"http://127.0.0.1:8888",
		"socks5://127.0.0.1:1080",
		"http://127.0.0.1:8888",
		"socks5://127.0.0.1:1080",
	}, got)
}
