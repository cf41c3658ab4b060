package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filtertrack/sectorsync/internal/config"
	"github.com/filtertrack/sectorsync/internal/tracker"
)

// fakeTracker mimics the backend surface the CLI uses: auth, health and
// the REST tables.
type fakeTracker struct {
	*httptest.Server

	mu   sync.Mutex
	rows map[string][]map[string]any // table -> rows
}

func newFakeTracker(t *testing.T) *fakeTracker {
	t.Helper()

	f := &fakeTracker{rows: make(map[string][]map[string]any)}
	mux := http.NewServeMux()

	mux.HandleFunc("HEAD /generate_204", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /auth/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())

		w.Header().Set("Content-Type", "application/json")

		if r.Form.Get("grant_type") == "password" && r.Form.Get("password") != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))

			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"token_type":    "bearer",
			"expires_in":    3600,
			"refresh_token": "refresh-1",
		})
	})

	mux.HandleFunc("GET /auth/v1/user", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"user-7","email":"inspector@example.com"}`))
	})

	mux.HandleFunc("POST /auth/v1/logout", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/rest/v1/{table}", f.serveTable)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)

	return f
}

func (f *fakeTracker) serveTable(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer access-1" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"JWT expired"}`))

		return
	}

	table := r.PathValue("table")
	id := strings.TrimPrefix(r.URL.Query().Get("id"), "eq.")

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPost:
		var row map[string]any
		_ = json.NewDecoder(r.Body).Decode(&row)
		f.rows[table] = append(f.rows[table], row)
		w.WriteHeader(http.StatusCreated)
	case http.MethodPatch:
		var patch map[string]any
		_ = json.NewDecoder(r.Body).Decode(&patch)

		for _, row := range f.rows[table] {
			if row["id"] == id {
				for k, v := range patch {
					row[k] = v
				}
			}
		}

		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		out := []map[string]any{}

		for _, row := range f.rows[table] {
			if id == "" || row["id"] == id {
				out = append(out, row)
			}
		}

		_ = json.NewEncoder(w).Encode(out)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeTracker) tableRows(table string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]map[string]any(nil), f.rows[table]...)
}

// cliEnv is one isolated installation: config file, session and queue.
type cliEnv struct {
	t       *testing.T
	cfgPath string
	dataDir string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()

	for _, k := range []string{config.EnvConfig, config.EnvBackendURL, config.EnvAnonKey, config.EnvPassword} {
		t.Setenv(k, "")
	}

	dir := t.TempDir()

	return &cliEnv{t: t, cfgPath: filepath.Join(dir, "config.toml"), dataDir: dir}
}

// pointAt rewrites the config so the backend and the internet probe live at
// baseURL.
func (e *cliEnv) pointAt(baseURL string) {
	e.t.Helper()

	content := fmt.Sprintf(`[backend]
url = %q
anon_key = "anon-key-123456"
internet_probe_url = %q
session_path = %q

[queue]
db_path = %q

[cyclecount]
base_delay = "1ms"
max_delay = "1ms"
`, baseURL, baseURL+"/generate_204",
		filepath.Join(e.dataDir, "session.json"),
		filepath.Join(e.dataDir, "queue.db"))

	require.NoError(e.t, os.WriteFile(e.cfgPath, []byte(content), 0o600))
}

func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()

	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", e.cfgPath, "--quiet"}, args...))

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

func (e *cliEnv) login() {
	e.t.Helper()
	e.t.Setenv(config.EnvPassword, "secret")

	_, err := e.run("login", "--email", "inspector@example.com")
	require.NoError(e.t, err)
}

func closedURL(t *testing.T) string {
	t.Helper()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	return srv.URL
}

func TestCLI_LoginAndCreateSector(t *testing.T) {
	srv := newFakeTracker(t)
	env := newCLIEnv(t)
	env.pointAt(srv.URL)
	env.login()

	out, err := env.run("--json", "sector", "create", "--tag", "  F-100 ", "--photo", "p1.jpg")
	require.NoError(t, err)

	var res resultOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Queued)
	assert.NotEmpty(t, res.ID)

	rows := srv.tableRows("sectors")
	require.Len(t, rows, 1)
	assert.Equal(t, "F-100", rows[0]["tag"])
	assert.Equal(t, "peritagem", rows[0]["stage"])
	assert.NotZero(t, rows[0]["cycle_count"])
}

func TestCLI_AdvanceReadsSectorFirst(t *testing.T) {
	srv := newFakeTracker(t)
	env := newCLIEnv(t)
	env.pointAt(srv.URL)
	env.login()

	out, err := env.run("--json", "sector", "create", "--tag", "F-7", "--photo", "p1.jpg")
	require.NoError(t, err)

	var created resultOutput
	require.NoError(t, json.Unmarshal([]byte(out), &created))

	_, err = env.run("sector", "advance", created.ID, "execução")
	require.NoError(t, err)

	rows := srv.tableRows("sectors")
	require.Len(t, rows, 1)
	assert.Equal(t, "execucao", rows[0]["stage"])

	// Leaving execucao needs a photo of that stage.
	_, err = env.run("sector", "advance", created.ID, "checagem")

	var ae *actionError
	require.ErrorAs(t, err, &ae)
	assert.ErrorIs(t, err, tracker.ErrInvalid)
}

func TestCLI_OfflineWriteQueuedThenSynced(t *testing.T) {
	srv := newFakeTracker(t)
	env := newCLIEnv(t)
	env.pointAt(srv.URL)
	env.login()

	env.pointAt(closedURL(t))

	out, err := env.run("--json", "cycle", "record", "sector-1", "--number", "1")
	require.NoError(t, err)

	var res resultOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Queued)

	out, err = env.run("--json", "queue", "list")
	require.NoError(t, err)

	var entries []queueEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, res.ID, entries[0].ID)
	assert.Equal(t, "cycle", entries[0].EntityType)

	// Still offline: sync refuses and keeps the operation.
	_, err = env.run("queue", "sync")
	require.ErrorIs(t, err, errStillOffline)

	env.pointAt(srv.URL)

	out, err = env.run("--json", "queue", "sync")
	require.NoError(t, err)
	assert.Contains(t, out, `"succeeded": 1`)

	require.Len(t, srv.tableRows("cycles"), 1)

	out, err = env.run("--json", "queue", "list")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestCLI_StatusReportsHealthy(t *testing.T) {
	srv := newFakeTracker(t)
	env := newCLIEnv(t)
	env.pointAt(srv.URL)
	env.login()

	out, err := env.run("--json", "status")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "online", got["status"])
	assert.Equal(t, "valid", got["session"])
	assert.Equal(t, "inspector@example.com", got["email"])
	assert.Equal(t, true, got["healthy"])
	assert.InDelta(t, 0, got["pending_operations"], 0)
}

func TestCLI_LoginWrongPassword(t *testing.T) {
	srv := newFakeTracker(t)
	env := newCLIEnv(t)
	env.pointAt(srv.URL)
	t.Setenv(config.EnvPassword, "wrong")

	_, err := env.run("login", "--email", "inspector@example.com")

	var ae *actionError
	require.ErrorAs(t, err, &ae)

	_, statErr := os.Stat(filepath.Join(env.dataDir, "session.json"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestCLI_InvalidInputIsActionError(t *testing.T) {
	srv := newFakeTracker(t)
	env := newCLIEnv(t)
	env.pointAt(srv.URL)
	env.login()

	_, err := env.run("sector", "create", "--tag", "   ")
	assert.ErrorIs(t, err, tracker.ErrInvalid)
	assert.Empty(t, srv.tableRows("sectors"))
}

func TestCLI_QueueClearNeedsConfirmation(t *testing.T) {
	env := newCLIEnv(t)
	env.pointAt(closedURL(t))

	_, err := env.run("queue", "clear")
	assert.ErrorContains(t, err, "--yes")

	_, err = env.run("queue", "clear", "--yes")
	assert.NoError(t, err)
}

func TestCLI_ConfigShowMasksAnonKey(t *testing.T) {
	env := newCLIEnv(t)
	env.pointAt("https://tracker.example.com")

	out, err := env.run("config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "https://tracker.example.com")
	assert.NotContains(t, out, "anon-key-123456")
}

func TestCLI_MissingBackendURL(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, os.WriteFile(env.cfgPath, nil, 0o600))

	_, err := env.run("status")
	assert.ErrorContains(t, err, config.EnvBackendURL)
}
