package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestLoadOverridesOnlyDeclaredFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wirepeer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rpc_version: 3\nmax_message_length: 1048576\n"), 0o600))

	opts, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int32(3), opts.RPCVersion)
	assert.Equal(t, 1048576, opts.MaxMessageLength)
	assert.Equal(t, 1, opts.OutgoingMessageQueue.Threads, "unset fields keep their default")
}

func TestValidateRejectsNonPositiveMaxMessageLength(t *testing.T) {
	opts := Defaults()
	opts.MaxMessageLength = 0
	assert.Error(t, opts.Validate())
}

func TestValidateRejectsMultiThreadedOutgoingQueue(t *testing.T) {
	opts := Defaults()
	opts.OutgoingMessageQueue.Threads = 2
	assert.Error(t, opts.Validate())
}

func TestValidateRejectsPeerTimeoutNotExceedingTimeout(t *testing.T) {
	opts := Defaults()
	opts.KeepAlive.PeerTimeout = opts.KeepAlive.Timeout
	assert.Error(t, opts.Validate())
}
