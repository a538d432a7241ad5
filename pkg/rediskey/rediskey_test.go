package rediskey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannelNames(t *testing.T) {
	require.Equal(t, "execution:42:logs", ExecutionLogs("42"))
	require.Equal(t, "task:7:logs", TaskLogs("7"))
	require.Equal(t, "a:b", NamespaceKey("a", "b"))
}
