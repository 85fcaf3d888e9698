package logging

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default is valid", func(*Config) {}, ""},
		{"bad format", func(c *Config) { c.Format = "xml" }, "format must be"},
		{"no outputs", func(c *Config) { c.Output.Stdout = false }, "at least one output"},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, "sampling tick"},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }, "invalid redaction pattern"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoggerAddsContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithRequestID(context.Background(), "req-42")
	ctx = WithBusiness(ctx, 3)
	tl.Info(ctx, "task created", zap.Int64("task_id", 7))

	tl.AssertLogged(t, zapcore.InfoLevel, "task created")
	tl.AssertField(t, "task created", "request.id", "req-42")
	tl.AssertField(t, "task created", "business.id", int64(3))
	tl.AssertField(t, "task created", "task_id", int64(7))
}

func TestWithRequestIDDropsInvalidIDs(t *testing.T) {
	ctx := WithRequestID(context.Background(), "bad id with spaces")
	assert.Empty(t, RequestIDFromContext(ctx))

	ctx = WithRequestID(context.Background(), "ok_id-1")
	assert.Equal(t, "ok_id-1", RequestIDFromContext(ctx))
}

func TestFromContextFallsBackToNop(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	l.Info(context.Background(), "dropped")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "kept")
	tl.AssertLogged(t, zapcore.WarnLevel, "kept")
}

func TestRedactingEncoder(t *testing.T) {
	cfg := NewDefaultConfig()
	enc, err := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), cfg.Redaction)
	require.NoError(t, err)

	var out bytes.Buffer
	core := zapcore.NewCore(enc, zapcore.AddSync(&out), zapcore.DebugLevel)
	logger := zap.New(core)

	logger.Info("calling provider with sk-abcdefghijklmnopqrstuv",
		zap.String("api_key", "plain-secret"),
		zap.String("header", "Bearer abc.def"),
		zap.String("title", "Починить фрезер"),
	)

	s := out.String()
	assert.NotContains(t, s, "plain-secret")
	assert.NotContains(t, s, "sk-abcdefghijklmnopqrstuv")
	assert.NotContains(t, s, "abc.def")
	assert.Contains(t, s, "Починить фрезер")
	assert.Contains(t, s, redactedValue)
}

func TestSampledCoreNeverDropsErrors(t *testing.T) {
	var out bytes.Buffer
	base := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(&out), zapcore.DebugLevel)
	core := newSampledCore(base, SamplingConfig{Enabled: true, Tick: time.Minute, Initial: 1, Thereafter: 0})
	logger := zap.New(core)

	for i := 0; i < 5; i++ {
		logger.Info("repeated")
		logger.Error("isolation breach")
	}

	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte(`"repeated"`)))
	assert.Equal(t, 5, bytes.Count(out.Bytes(), []byte(`"isolation breach"`)))
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}
