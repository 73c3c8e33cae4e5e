package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type modeName string

func (m modeName) String() string { return string(m) }

func TestNewJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "debug", "json")
	require.NoError(t, err)

	l.WithComponent("life").WithProblem(12, 3).WithMode(modeName("memory")).WithFields("fold", 2).Info("fit started")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "fit started", rec["msg"])
	assert.Equal(t, "life", rec["component"])
	assert.Equal(t, float64(12), rec["voxels"])
	assert.Equal(t, float64(3), rec["streamlines"])
	assert.Equal(t, "memory", rec["mode"])
	assert.Equal(t, float64(2), rec["fold"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewTextLogger(&buf, slog.LevelWarn)
	l.Info("hidden")
	assert.Empty(t, buf.String())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnknownFormat(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}

func TestNoopLoggerDiscards(t *testing.T) {
	l := NoopLogger()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
}
