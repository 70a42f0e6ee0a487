package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type bufSyncer struct{ bytes.Buffer }

func (b *bufSyncer) Sync() error { return nil }

func TestNewLoggerWritesAtLevel(t *testing.T) {
	var buf bufSyncer
	l := New(&buf, InfoLevel, true)
	l.Infow("hello", "k", "v")
	require.Contains(t, buf.String(), "hello")

	buf.Reset()
	l.Debugw("should not appear")
	require.Empty(t, buf.String())
}

func TestNewLoggerConsoleEncoder(t *testing.T) {
	var buf bufSyncer
	l := New(&buf, DebugLevel, false)
	l.Debug("plain message")
	require.Contains(t, buf.String(), "plain message")
}

func TestNamedAndWith(t *testing.T) {
	var buf bufSyncer
	l := New(&buf, InfoLevel, true)
	named := l.Named("sub").With("component", "test")
	named.Infow("tagged")
	out := buf.String()
	require.Contains(t, out, "tagged")
	require.Contains(t, out, "sub")
	require.Contains(t, out, "component")
}

func TestContextRoundTrip(t *testing.T) {
	var buf bufSyncer
	l := New(&buf, InfoLevel, true)

	ctx := ToContext(context.Background(), l)
	got := FromContextOrDefault(ctx)
	got.Infow("via context")
	require.Contains(t, buf.String(), "via context")

	require.NotNil(t, FromContextOrDefault(context.Background()))
}

func TestLevelConstantsMatchZapcore(t *testing.T) {
	require.Equal(t, int(zapcore.InfoLevel), InfoLevel)
	require.Equal(t, int(zapcore.DebugLevel), DebugLevel)
	require.Equal(t, int(zapcore.ErrorLevel), ErrorLevel)
	require.Equal(t, int(zapcore.WarnLevel), WarnLevel)
	require.Equal(t, int(zapcore.FatalLevel), FatalLevel)
}
