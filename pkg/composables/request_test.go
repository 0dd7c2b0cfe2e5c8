package composables

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestUseLogger(t *testing.T) {
	t.Parallel()

	fallback := logrus.NewEntry(logrus.New())
	require.Same(t, fallback, UseLogger(context.Background(), fallback))

	scoped := fallback.WithField("request_id", "r-1")
	ctx := WithLogger(context.Background(), scoped)
	require.Same(t, scoped, UseLogger(ctx, fallback))
}

func TestUseRequestID(t *testing.T) {
	t.Parallel()

	_, ok := UseRequestID(context.Background())
	require.False(t, ok)

	id, ok := UseRequestID(WithRequestID(context.Background(), "abc"))
	require.True(t, ok)
	require.Equal(t, "abc", id)
}

func TestUsePoolMissing(t *testing.T) {
	t.Parallel()

	_, err := UsePool(context.Background())
	require.ErrorIs(t, err, ErrNoPool)

	_, err = UseTx(context.Background())
	require.ErrorIs(t, err, ErrNoPool)
}
