package steplog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickchristie/dext"
	"github.com/rickchristie/dext/denoiser"
	"github.com/rickchristie/dext/manager"
)

func runWith(t *testing.T, l *Logger, steps int) {
	t.Helper()
	mgr := manager.New(nil)
	require.NoError(t, mgr.Add(l))

	d := denoiser.New(&denoiser.NullUNet{}, &denoiser.NullScheduler{}, mgr, denoiser.DefaultConfig())
	dctx := dext.NewDenoiseContext(context.Background(), dext.Inputs{Prompt: "fox", Seed: 3, Steps: steps})
	dctx.SetLatents([]float32{0})

	_, err := d.Run(dctx)
	require.NoError(t, err)
}

func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	return out
}

func TestLogger_LogsEveryNthStep(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l, err := New(logger, Options{Level: "debug", Every: 2})
	require.NoError(t, err)
	runWith(t, l, 5)

	recs := records(t, &buf)
	var msgs []string
	var steps []float64
	for _, r := range recs {
		msgs = append(msgs, r["msg"].(string))
		assert.Equal(t, "DEBUG", r["level"])
		if r["msg"] == "denoise step" {
			steps = append(steps, r["step"].(float64))
		}
	}

	assert.Equal(t, []string{
		"denoise started",
		"denoise step",
		"denoise step",
		"denoise step",
		"denoise finished",
	}, msgs)
	assert.Equal(t, []float64{2, 4, 5}, steps, "last step is always logged")
	assert.Equal(t, "fox", recs[0]["prompt"])
	assert.Equal(t, float64(5), recs[0]["steps"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	l, err := New(logger, Options{Level: "debug"})
	require.NoError(t, err)
	runWith(t, l, 3)

	assert.Empty(t, buf.String())
}

func TestNew_Options(t *testing.T) {
	tests := []struct {
		name     string
		input    Options
		expected struct {
			level slog.Level
			every int
			err   bool
		}
	}{
		{
			name:  "defaults",
			input: Options{},
			expected: struct {
				level slog.Level
				every int
				err   bool
			}{level: slog.LevelInfo, every: 1},
		},
		{
			name:  "lowercase warn",
			input: Options{Level: "warn", Every: 10},
			expected: struct {
				level slog.Level
				every int
				err   bool
			}{level: slog.LevelWarn, every: 10},
		},
		{
			name:  "bad level",
			input: Options{Level: "loud"},
			expected: struct {
				level slog.Level
				every int
				err   bool
			}{err: true},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l, err := New(nil, tc.input)
			if tc.expected.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected.level, l.level)
			assert.Equal(t, tc.expected.every, l.every)
			assert.Len(t, l.Injections(), 3)
		})
	}
}
