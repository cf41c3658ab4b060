package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filtertrack/sectorsync/internal/config"
	"github.com/filtertrack/sectorsync/internal/tracker"
)

func TestBuildLogger_ConfigLevelAndFlagOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.LogLevel = "warn"

	tests := []struct {
		name    string
		flags   CLIFlags
		enabled slog.Level
		blocked slog.Level
	}{
		{"config level", CLIFlags{}, slog.LevelWarn, slog.LevelInfo},
		{"verbose wins", CLIFlags{Verbose: true}, slog.LevelDebug, slog.LevelDebug - 1},
		{"quiet wins", CLIFlags{Quiet: true}, slog.LevelError, slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := buildLogger(cfg, tt.flags, &bytes.Buffer{})

			assert.True(t, logger.Handler().Enabled(context.Background(), tt.enabled))
			assert.False(t, logger.Handler().Enabled(context.Background(), tt.blocked))
		})
	}
}

func TestBuildLogger_NilConfigDefaultsToInfo(t *testing.T) {
	logger := buildLogger(nil, CLIFlags{}, &bytes.Buffer{})

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_Formats(t *testing.T) {
	cfg := config.DefaultConfig()

	cfg.Logging.LogFormat = "json"
	var jsonBuf bytes.Buffer
	buildLogger(cfg, CLIFlags{}, &jsonBuf).Info("hello", slog.String("k", "v"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(jsonBuf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])

	cfg.Logging.LogFormat = "text"
	var textBuf bytes.Buffer
	buildLogger(cfg, CLIFlags{}, &textBuf).Info("hello", slog.String("k", "v"))
	assert.Contains(t, textBuf.String(), "msg=hello k=v")
}

func TestUseJSONLogs_AutoOffTerminal(t *testing.T) {
	assert.True(t, useJSONLogs("auto", &bytes.Buffer{}))
	assert.True(t, useJSONLogs("json", &bytes.Buffer{}))
	assert.False(t, useJSONLogs("text", &bytes.Buffer{}))
}

func TestMustCLIContext(t *testing.T) {
	cc := &CLIContext{Flags: CLIFlags{JSON: true}}

	got := mustCLIContext(withCLIContext(context.Background(), cc))
	assert.Same(t, cc, got)

	assert.Panics(t, func() { mustCLIContext(context.Background()) })
}

func TestRootCmd_RegistersCommands(t *testing.T) {
	cmd := newRootCmd()

	for _, path := range [][]string{
		{"login"}, {"logout"}, {"status"}, {"watch"},
		{"sector", "create"}, {"sector", "show"}, {"sector", "update"}, {"sector", "advance"}, {"sector", "delete"},
		{"cycle", "record"}, {"service", "record"}, {"service", "delete"},
		{"queue", "list"}, {"queue", "sync"}, {"queue", "clear"},
		{"config", "show"},
	} {
		found, _, err := cmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], found.Name())
	}
}

func TestParsePhotos(t *testing.T) {
	photos, err := parsePhotos([]string{"a.jpg", "execução=b.jpg", "checagem=c=d.jpg"}, tracker.StagePeritagem)
	require.NoError(t, err)

	assert.Equal(t, []tracker.Photo{
		{Stage: tracker.StagePeritagem, Path: "a.jpg"},
		{Stage: tracker.StageExecucao, Path: "b.jpg"},
		{Stage: tracker.StageChecagem, Path: "c=d.jpg"},
	}, photos)

	_, err = parsePhotos([]string{"polishing=x.jpg"}, tracker.StagePeritagem)
	assert.ErrorContains(t, err, "polishing=x.jpg")
}

func TestParseTimeFlag(t *testing.T) {
	got, err := parseTimeFlag("started", "2026-03-01T08:30:00-03:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC), got)

	_, err = parseTimeFlag("started", "yesterday")
	assert.ErrorContains(t, err, "--started")
}

func TestCapitalize(t *testing.T) {
	assert.Equal(t, "Sector", capitalize("sector"))
	assert.Empty(t, capitalize(""))
}
