package outbox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLastErrorText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		max  int
		want string
	}{
		{name: "nil", err: nil, max: 10, want: ""},
		{name: "fits", err: errors.New("sync down"), max: 64, want: "sync down"},
		{
			name: "joined handlers on one line",
			err:  errors.Join(errors.New("tasks.stats: redis down"), errors.New("tasks.sync-queue: timeout")),
			max:  128,
			want: "tasks.stats: redis down; tasks.sync-queue: timeout",
		},
		{name: "marked when cut", err: errors.New("0123456789abcdefghijklmnopqrstuvwxyz"), max: 20, want: "012345...(truncated)"},
		{name: "tiny budget", err: errors.New("hello world"), max: 5, want: "hello"},
		{name: "no split rune", err: errors.New("задача"), max: 5, want: "за"},
		{name: "zero budget", err: errors.New("x"), max: 0, want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := lastErrorText(tc.err, tc.max)
			require.Equal(t, tc.want, got)
			require.LessOrEqual(t, len(got), max(tc.max, 0))
		})
	}
}
