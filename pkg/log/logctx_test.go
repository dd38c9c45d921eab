package log

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrom_ReturnsStoredLogger(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	lg := slog.New(slog.NewTextHandler(buf, nil))

	ctx := Into(context.Background(), lg)
	From(ctx).Info("hello")

	require.Contains(t, buf.String(), "hello")
}

func TestFrom_FallsBackToDefault(t *testing.T) {
	t.Parallel()

	require.NotNil(t, From(context.Background()))
}
