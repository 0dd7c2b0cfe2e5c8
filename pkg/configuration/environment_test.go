package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLoadEnv_FallsBackToGoModRoot(t *testing.T) {
	tmp := t.TempDir()

	requireWriteFile(t, filepath.Join(tmp, "go.mod"), "module example.com/test\n\ngo 1.24\n")
	requireWriteFile(t, filepath.Join(tmp, ".env.local"), "TASKFLOW_TEST_ENV_LOAD=ok\n")

	sub := filepath.Join(tmp, "pkg", "outbox")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	t.Chdir(sub)

	_ = os.Unsetenv("TASKFLOW_TEST_ENV_LOAD")
	t.Cleanup(func() { _ = os.Unsetenv("TASKFLOW_TEST_ENV_LOAD") })

	n, err := LoadEnv([]string{".env", ".env.local"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "ok", os.Getenv("TASKFLOW_TEST_ENV_LOAD"))
}

func TestLoad_OutboxDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	c := &Configuration{}
	require.NoError(t, c.load(nil))
	t.Cleanup(c.Unload)

	require.Equal(t, BackendPostgres, c.Outbox.StoreBackend)
	require.Equal(t, 10, c.Outbox.MaxAttempts)
	require.Equal(t, 30, c.Outbox.RetentionDays)
	require.True(t, c.Outbox.PreserveDeadLetters)
	require.Equal(t, "localhost:3200", c.SocketAddress)
	require.Equal(t, logrus.ErrorLevel, c.Logger().GetLevel())

	d := c.Outbox.Dispatcher()
	require.Equal(t, time.Second, d.MinBackoff)
	require.Equal(t, 5*time.Minute, d.MaxBackoff)
	require.Equal(t, 2048, d.LastErrorMaxLen)
	require.Equal(t, 5*time.Minute, d.StuckAfter)

	cleanup := c.Outbox.Cleanup()
	require.Equal(t, 100, cleanup.BatchSize)
	require.False(t, cleanup.DryRun)
	require.False(t, cleanup.DeleteDeadLetters)
	require.Equal(t, 10*time.Minute, c.Outbox.Cleaner().LockTTL)

	dispatch, sweep := c.Outbox.Intervals()
	require.Equal(t, 5*time.Second, dispatch)
	require.Equal(t, 24*time.Hour, sweep)
}

func TestLoad_OutboxOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OUTBOX_STORE_BACKEND", "Memory")
	t.Setenv("OUTBOX_LOCK_BACKEND", "redis")
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "3")
	t.Setenv("OUTBOX_CLEANUP_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_PATH", filepath.Join(t.TempDir(), "logs", "taskflow.log"))

	c := &Configuration{}
	require.NoError(t, c.load(nil))
	t.Cleanup(c.Unload)

	require.Equal(t, BackendMemory, c.Outbox.StoreBackend)
	require.Equal(t, BackendRedis, c.Outbox.LockBackend)
	require.Equal(t, 3, c.Outbox.Monitor().MaxAttempts)
	require.Equal(t, logrus.DebugLevel, c.LogrusLogLevel())

	_, sweep := c.Outbox.Intervals()
	require.Equal(t, time.Duration(-1), sweep)
}

func TestOutboxOptions_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		mut  func(*OutboxOptions)
	}{
		{"unknown store", func(o *OutboxOptions) { o.StoreBackend = "sqlite" }},
		{"unknown lock", func(o *OutboxOptions) { o.LockBackend = "etcd" }},
		{"postgres lock without postgres store", func(o *OutboxOptions) { o.StoreBackend = BackendMemory }},
		{"zero attempts", func(o *OutboxOptions) { o.MaxAttempts = 0 }},
		{"zero retention", func(o *OutboxOptions) { o.RetentionDays = 0 }},
		{"inverted backoff", func(o *OutboxOptions) { o.MinBackoff = time.Hour }},
		{"lease shorter than a handler call", func(o *OutboxOptions) { o.HandlerTimeout = time.Minute }},
		{"stuck horizon inside the lease", func(o *OutboxOptions) { o.StuckAfter = 30 * time.Second }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			o := OutboxOptions{
				StoreBackend:   BackendPostgres,
				LockBackend:    BackendPostgres,
				MaxAttempts:    10,
				RetentionDays:  30,
				MinBackoff:     time.Second,
				MaxBackoff:     time.Minute,
				LockTTL:        time.Minute,
				HandlerTimeout: 30 * time.Second,
				StuckAfter:     5 * time.Minute,
			}
			require.NoError(t, o.Validate())
			tc.mut(&o)
			require.Error(t, o.Validate())
		})
	}
}

func requireWriteFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
