package idgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultServerIDIncludesHostname(t *testing.T) {
	id := DefaultServerID("myhost")
	require.Contains(t, id, "myhost-")
}

func TestDefaultServerIDFallsBackWhenHostnameEmpty(t *testing.T) {
	id := DefaultServerID("")
	require.Contains(t, id, "node-")
}

func TestDefaultServerIDIsUniquePerCall(t *testing.T) {
	require.NotEqual(t, DefaultServerID("host"), DefaultServerID("host"))
}
