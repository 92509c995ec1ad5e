package guard

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateGuardThenExists(t *testing.T) {
	Dir = t.TempDir()

	require.NoError(t, CreateGuard("uuid-1"))
	present, err := Exists("uuid-1")
	require.NoError(t, err)
	require.True(t, present)

	require.NoError(t, Release("uuid-1"))
	present, err = Exists("uuid-1")
	require.NoError(t, err)
	require.False(t, present)
}

func TestCreateGuardRefusesDuplicate(t *testing.T) {
	Dir = t.TempDir()

	require.NoError(t, CreateGuard("uuid-2"))
	err := CreateGuard("uuid-2")
	require.Error(t, err)
}

func TestExistsReapsExpiredGuard(t *testing.T) {
	Dir = t.TempDir()
	require.NoError(t, CreateGuard("uuid-3"))

	old := time.Now().Add(-Expiry - time.Minute)
	require.NoError(t, os.Chtimes(path("uuid-3"), old, old))

	present, err := Exists("uuid-3")
	require.NoError(t, err)
	require.False(t, present, "expired guard should be reaped and reported absent")

	_, statErr := os.Stat(path("uuid-3"))
	require.True(t, os.IsNotExist(statErr))
}

func TestAwaitReadyReturnsImmediatelyWhenAbsent(t *testing.T) {
	Dir = t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, AwaitReady(ctx, "never-created"))
}

func TestAwaitReadyRespectsContextCancellation(t *testing.T) {
	Dir = t.TempDir()
	require.NoError(t, CreateGuard("uuid-4"))
	defer Release("uuid-4")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := AwaitReady(ctx, "uuid-4")
	require.ErrorIs(t, err, context.Canceled)
}
