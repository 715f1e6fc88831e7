package sessionserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/questflow/internal/answer"
	"github.com/roach88/questflow/internal/store"
)

const (
	sessA = "0190e0c4-0000-7000-8000-00000000000a"
	sessB = "0190e0c4-0000-7000-8000-00000000000b"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(t *testing.T) (*gin.Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := NewHandlers(s, WithIDGenerator(NewFixedGenerator(sessA, sessB)))
	return NewRouter(h), s
}

func doRequest(r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Code
}

func TestCreateSession(t *testing.T) {
	r, s := setupTestRouter(t)

	w := doRequest(r, http.MethodPost, "/v1/sessions", "", `{"seed":{"email":"a@b.com"}}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"session_uuid":"`+sessA+`"}`, w.Body.String())

	rs, err := s.GetRemoteSession(context.Background(), sessA)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", rs.Answers["email"])
	assert.Empty(t, rs.AccountID)
}

func TestCreateSession_EmptyBody(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doRequest(r, http.MethodPost, "/v1/sessions", "", "")
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateSession_AuthenticatedIsOwned(t *testing.T) {
	r, s := setupTestRouter(t)

	w := doRequest(r, http.MethodPost, "/v1/sessions", "acct-1", `{"seed":{}}`)
	require.Equal(t, http.StatusCreated, w.Code)

	rs, err := s.GetRemoteSession(context.Background(), sessA)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", rs.AccountID)
}

func TestDraft_PatchThenGet(t *testing.T) {
	r, _ := setupTestRouter(t)
	doRequest(r, http.MethodPost, "/v1/sessions", "", `{"seed":{"email":"a@b.com"}}`)

	w := doRequest(r, http.MethodPatch, "/v1/sessions/"+sessA+"/draft", "", `{"answers":{"problem_to_solve":"autre"}}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(r, http.MethodGet, "/v1/sessions/"+sessA+"/draft", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		SessionUUID string          `json:"session_uuid"`
		Answers     json.RawMessage `json:"answers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, sessA, resp.SessionUUID)
	assert.JSONEq(t, `{"problem_to_solve":"autre"}`, string(resp.Answers))
}

func TestDraft_UnknownSession(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doRequest(r, http.MethodGet, "/v1/sessions/missing/draft", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(r, http.MethodPatch, "/v1/sessions/missing/draft", "", `{"answers":{}}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDraft_MalformedBody(t *testing.T) {
	r, _ := setupTestRouter(t)
	doRequest(r, http.MethodPost, "/v1/sessions", "", `{}`)

	w := doRequest(r, http.MethodPatch, "/v1/sessions/"+sessA+"/draft", "", `{"answers":[1]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doRequest(r, http.MethodPatch, "/v1/sessions/"+sessA+"/draft", "", `{"answers":`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAttach(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		session  string
		prepare  func(t *testing.T, r http.Handler)
		wantCode int
		wantErr  string
	}{
		{name: "unauthenticated", session: sessA, wantCode: http.StatusUnauthorized, wantErr: "unauthenticated"},
		{name: "unknown session", token: "acct-1", session: "missing", wantCode: http.StatusNotFound, wantErr: "not_found"},
		{name: "success", token: "acct-1", session: sessA, wantCode: http.StatusNoContent},
		{
			name: "already attached", token: "acct-1", session: sessA,
			prepare: func(t *testing.T, r http.Handler) {
				require.Equal(t, http.StatusNoContent, doRequest(r, http.MethodPost, "/v1/sessions/"+sessA+"/attach", "acct-1", "").Code)
			},
			wantCode: http.StatusConflict, wantErr: "already_attached",
		},
		{
			name: "attached elsewhere", token: "acct-2", session: sessA,
			prepare: func(t *testing.T, r http.Handler) {
				require.Equal(t, http.StatusNoContent, doRequest(r, http.MethodPost, "/v1/sessions/"+sessA+"/attach", "acct-1", "").Code)
			},
			wantCode: http.StatusForbidden, wantErr: "attached_elsewhere",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := setupTestRouter(t)
			require.Equal(t, http.StatusCreated, doRequest(r, http.MethodPost, "/v1/sessions", "", `{"seed":{"a":1}}`).Code)
			if tt.prepare != nil {
				tt.prepare(t, r)
			}

			w := doRequest(r, http.MethodPost, "/v1/sessions/"+tt.session+"/attach", tt.token, "")
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, decodeError(t, w))
			}
		})
	}
}

func TestAttach_ProfileGetsRichDates(t *testing.T) {
	r, s := setupTestRouter(t)
	doRequest(r, http.MethodPost, "/v1/sessions", "", `{"seed":{"birth_date":"1990-05-17","email":"a@b.com"}}`)

	w := doRequest(r, http.MethodPost, "/v1/sessions/"+sessA+"/attach", "acct-1", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	p, err := s.GetProfile(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "1990-05-17T00:00:00.000Z", p.Answers["birth_date"])
	assert.Equal(t, "a@b.com", p.Answers["email"])
}

func TestDraft_AttachedSessionRejectsOtherCallers(t *testing.T) {
	r, _ := setupTestRouter(t)
	doRequest(r, http.MethodPost, "/v1/sessions", "", `{}`)
	doRequest(r, http.MethodPost, "/v1/sessions/"+sessA+"/attach", "acct-1", "")

	w := doRequest(r, http.MethodPatch, "/v1/sessions/"+sessA+"/draft", "", `{"answers":{}}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(r, http.MethodPatch, "/v1/sessions/"+sessA+"/draft", "acct-1", `{"answers":{}}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestProfile(t *testing.T) {
	r, s := setupTestRouter(t)

	w := doRequest(r, http.MethodGet, "/v1/profile", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(r, http.MethodGet, "/v1/profile", "acct-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(r, http.MethodPut, "/v1/profile", "acct-1", `{"answers":{"birth_date":"1985-01-02"},"completed":true}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	p, err := s.GetProfile(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.True(t, p.Completed)
	assert.Equal(t, answer.Set{"birth_date": "1985-01-02T00:00:00.000Z"}, p.Answers)

	w = doRequest(r, http.MethodGet, "/v1/profile", "acct-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"completed":true`)
}

func TestHealthAndMetrics(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doRequest(r, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(r, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFixedGenerator_PanicsWhenExhausted(t *testing.T) {
	g := NewFixedGenerator("one")
	assert.Equal(t, "one", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestUUIDv7Generator_Unique(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
