package app

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquirePIDLockWritesOwnPID(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "recordroute.pid")
	require.NoError(t, acquirePIDLock(pidFile))

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), strconv.Itoa(os.Getpid()))
}

func TestAcquirePIDLockRefusesWhenLiveProcessHoldsIt(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "recordroute.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	err := acquirePIDLock(pidFile)
	assert.Error(t, err)
}

func TestAcquirePIDLockReclaimsStaleFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "recordroute.pid")
	// PID 1 is reachable on most systems but owned by root; use a PID
	// value well past any plausible live process instead, which fails
	// the Signal(0) probe and is reported as stale.
	require.NoError(t, os.WriteFile(pidFile, []byte("999999\n"), 0o644))

	err := acquirePIDLock(pidFile)
	require.NoError(t, err)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), strconv.Itoa(os.Getpid()))
}

func TestIsStalePIDFileUnparsableContentIsStale(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "recordroute.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("not-a-pid"), 0o644))

	stale, err := isStalePIDFile(pidFile)
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestReleasePIDLockRemovesFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "recordroute.pid")
	require.NoError(t, acquirePIDLock(pidFile))

	releasePIDLock(pidFile)

	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestReleasePIDLockOnAbsentFileDoesNotPanic(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "recordroute.pid")
	releasePIDLock(pidFile)
}
