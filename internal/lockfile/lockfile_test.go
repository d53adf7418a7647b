package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock_WritesHolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	defer lock.Release()

	assert.Equal(t, filepath.Join(dir, LockFileName), lock.Path())
	assert.True(t, strings.HasPrefix(lock.InstanceID, "inst_"))

	h := ReadHolder(lock.Path())
	assert.Equal(t, os.Getpid(), h.PID)
	assert.Equal(t, lock.InstanceID, h.InstanceID)
	assert.NotEmpty(t, h.StartedAt)
	assert.True(t, h.Running)
}

func TestAcquireLock_Conflict(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireLock(dir)
	require.NoError(t, err)
	defer first.Release()

	second, err := AcquireLock(dir)
	require.Error(t, err)
	assert.Nil(t, second)

	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	assert.Equal(t, first.InstanceID, lockErr.Holder.InstanceID, "conflict must not clobber the holder's details")
	assert.Contains(t, err.Error(), "another PersonaPipe instance")
	assert.Contains(t, err.Error(), fmt.Sprintf("PID %d (running)", os.Getpid()))
}

func TestRelease_AllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release(), "release is idempotent")

	_, err = os.Stat(filepath.Join(dir, LockFileName))
	assert.True(t, os.IsNotExist(err))

	again, err := AcquireLock(dir)
	require.NoError(t, err)
	assert.NotEqual(t, lock.InstanceID, again.InstanceID)
	require.NoError(t, again.Release())
}

func TestReadHolder(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, Holder{}, ReadHolder(filepath.Join(dir, "missing.lock")))

	path := filepath.Join(dir, "stale.lock")
	require.NoError(t, os.WriteFile(path, []byte("pid=999999999\ninstance=inst_old\ngarbage\n"), 0o644))
	h := ReadHolder(path)
	assert.Equal(t, 999999999, h.PID)
	assert.Equal(t, "inst_old", h.InstanceID)
	assert.False(t, h.Running)
	assert.Contains(t, h.String(), "stale lock")

	assert.Equal(t, "unknown process", Holder{}.String())
}
