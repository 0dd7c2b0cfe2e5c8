package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")

	f, logger, err := FileLogger(logrus.InfoLevel, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	logger.WithField("component", "outbox").Info("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"component":"outbox"`)
	require.Contains(t, string(data), `"msg":"hello"`)
}

func TestNop(t *testing.T) {
	t.Parallel()

	entry := Nop()
	require.Equal(t, logrus.PanicLevel, entry.Logger.GetLevel())
	entry.Error("discarded")
}
