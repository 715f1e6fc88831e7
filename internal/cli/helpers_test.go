package cli

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/roach88/questflow/internal/sessionserver"
	"github.com/roach88/questflow/internal/store"
)

const testSession = "0190e0c4-0000-7000-8000-0000000000c1"

func init() {
	gin.SetMode(gin.TestMode)
}

// testEnv is an isolated config directory plus an optional session server.
type testEnv struct {
	t         *testing.T
	dir       string
	serverURL string
	server    *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{t: t, dir: t.TempDir(), serverURL: "http://127.0.0.1:1"}
}

// withServer starts the reference session server on an in-process listener.
func (e *testEnv) withServer() *testEnv {
	e.t.Helper()
	st, err := store.Open(filepath.Join(e.t.TempDir(), "sessions.db"))
	require.NoError(e.t, err)
	e.t.Cleanup(func() { st.Close() })

	h := sessionserver.NewHandlers(st, sessionserver.WithIDGenerator(sessionserver.NewFixedGenerator(testSession)))
	srv := httptest.NewServer(sessionserver.NewRouter(h))
	e.t.Cleanup(srv.Close)

	e.server = st
	e.serverURL = srv.URL
	return e
}

// run executes the root command with the environment's config flags.
func (e *testEnv) run(args ...string) (string, error) {
	e.t.Helper()
	full := append([]string{
		"--config-dir", e.dir,
		"--server-url", e.serverURL,
		"--questionnaire", questionnairePath(e.t),
	}, args...)

	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(full)
	err := cmd.Execute()
	return buf.String(), err
}

// runJSON executes a command with --format json and decodes the response.
func (e *testEnv) runJSON(args ...string) (CLIResponse, map[string]any, error) {
	e.t.Helper()
	out, err := e.run(append([]string{"--format", "json"}, args...)...)

	var raw struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(e.t, json.Unmarshal([]byte(out), &raw), "output: %s", out)

	var data map[string]any
	if len(raw.Data) > 0 {
		require.NoError(e.t, json.Unmarshal(raw.Data, &data))
	}
	return CLIResponse{Status: raw.Status, Error: raw.Error}, data, err
}

func questionnairePath(t *testing.T) string {
	t.Helper()
	p, err := filepath.Abs(filepath.Join("testdata", "onboarding.cue"))
	require.NoError(t, err)
	return p
}
