package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()
	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	assert.ErrorContains(t, err, "invalid logging config")
}

func TestNewLogger_OTELOnlyWithoutProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output = OutputConfig{OTEL: true}
	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestLogger_Levels(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Trace(ctx, "trace msg")
	tl.Debug(ctx, "debug msg")
	tl.Info(ctx, "info msg", zap.String("k", "v"))
	tl.Warn(ctx, "warn msg")
	tl.Error(ctx, "error msg")

	tl.AssertLogged(t, TraceLevel, "trace msg")
	tl.AssertLogged(t, zapcore.DebugLevel, "debug msg")
	tl.AssertLogged(t, zapcore.InfoLevel, "info msg")
	tl.AssertLogged(t, zapcore.WarnLevel, "warn msg")
	tl.AssertLogged(t, zapcore.ErrorLevel, "error msg")
	tl.AssertField(t, "info msg", "k", "v")
	assert.Len(t, tl.All(), 5)

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestLogger_ContextFieldsPrepended(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithTaskID(context.Background(), "task_1234abcd")
	ctx = WithPhase(ctx, "training", 2)

	tl.Info(ctx, "phase started")

	tl.AssertTaskCorrelation(t, "phase started", "task_1234abcd")
	tl.AssertField(t, "phase started", "task.phase", "training")
	tl.AssertField(t, "phase started", "task.iteration", int64(2))
}

func TestLogger_ChildLoggers(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("orchestrator").With(zap.String("component", "driver"))

	child.Info(context.Background(), "hello")

	entries := tl.FilterMessage("hello").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "orchestrator", entries[0].LoggerName)
	assert.Equal(t, "driver", entries[0].ContextMap()["component"])
}

func TestNewNop(t *testing.T) {
	l := NewNop()
	assert.NotPanics(t, func() {
		l.Info(context.Background(), "discarded")
	})
	assert.False(t, l.Enabled(zapcore.ErrorLevel))
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"TRACE", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{" warn ", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeLevel_Trace(t *testing.T) {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		EncodeLevel: encodeLevel,
	})
	buf, err := enc.EncodeEntry(zapcore.Entry{Level: TraceLevel, Message: "x"}, nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"level":"trace"`)
}
