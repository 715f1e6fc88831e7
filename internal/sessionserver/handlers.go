package sessionserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/questflow/internal/answer"
	"github.com/roach88/questflow/internal/session"
	"github.com/roach88/questflow/internal/store"
)

const accountKey = "account_id"

// Handlers serves the session API over a store.
type Handlers struct {
	store *store.Store
	ids   IDGenerator
}

// Option configures Handlers.
type Option func(*Handlers)

// WithIDGenerator replaces the UUIDv7 session id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(h *Handlers) {
		h.ids = g
	}
}

// NewHandlers returns handlers backed by s.
func NewHandlers(s *store.Store, opts ...Option) *Handlers {
	h := &Handlers{store: s, ids: UUIDv7Generator{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Authenticate reads an optional bearer token. The token is the account
// id; this server is a development double and performs no verification.
func Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && strings.TrimSpace(token) != "" {
			c.Set(accountKey, strings.TrimSpace(token))
		}
		c.Next()
	}
}

func accountID(c *gin.Context) string {
	return c.GetString(accountKey)
}

// HandleCreateSession handles POST /v1/sessions.
func (h *Handlers) HandleCreateSession(c *gin.Context) {
	var req struct {
		Seed json.RawMessage `json:"seed"`
	}
	if !bindJSON(c, &req) {
		return
	}
	seed, err := answer.Decode(req.Seed)
	if err != nil {
		abort(c, http.StatusUnprocessableEntity, "invalid_answers", err.Error())
		return
	}

	id := h.ids.Generate()
	if err := h.store.CreateRemoteSession(c.Request.Context(), id, seed, accountID(c)); err != nil {
		slog.Error("create session failed", "error", err)
		abort(c, http.StatusInternalServerError, "internal", "could not create session")
		return
	}

	slog.Info("session created", "session_uuid", id, "authenticated", accountID(c) != "")
	c.JSON(http.StatusCreated, session.CreateResponse{SessionUUID: id})
}

// HandleGetDraft handles GET /v1/sessions/:id/draft.
func (h *Handlers) HandleGetDraft(c *gin.Context) {
	rs, ok := h.loadSession(c)
	if !ok {
		return
	}
	body, err := answer.Canonical(rs.Answers)
	if err != nil {
		abort(c, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	c.JSON(http.StatusOK, session.DraftResponse{
		SessionUUID: rs.UUID,
		Answers:     body,
		UpdatedAt:   rs.UpdatedAt,
	})
}

// HandlePatchDraft handles PATCH /v1/sessions/:id/draft.
func (h *Handlers) HandlePatchDraft(c *gin.Context) {
	var req struct {
		Answers json.RawMessage `json:"answers"`
	}
	if !bindJSON(c, &req) {
		return
	}
	answers, err := answer.Decode(req.Answers)
	if err != nil {
		abort(c, http.StatusUnprocessableEntity, "invalid_answers", err.Error())
		return
	}

	rs, ok := h.loadSession(c)
	if !ok {
		return
	}
	if err := h.store.ReplaceRemoteDraft(c.Request.Context(), rs.UUID, answers); err != nil {
		h.storeFailure(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleAttach handles POST /v1/sessions/:id/attach.
func (h *Handlers) HandleAttach(c *gin.Context) {
	account := accountID(c)
	if account == "" {
		abort(c, http.StatusUnauthorized, "unauthenticated", "attach requires an authenticated caller")
		return
	}

	id := c.Param("id")
	err := h.store.AttachRemoteSession(c.Request.Context(), id, account)
	switch {
	case err == nil:
		slog.Info("session attached", "session_uuid", id, "account_id", account)
		if err := h.enrichProfileDates(c, account); err != nil {
			slog.Warn("profile date enrichment failed", "account_id", account, "error", err)
		}
		c.Status(http.StatusNoContent)
	case errors.Is(err, store.ErrAlreadyAttached):
		abort(c, http.StatusConflict, session.WireAlreadyAttached, "session already attached to this account")
	case errors.Is(err, store.ErrAttachedElsewhere):
		abort(c, http.StatusForbidden, session.WireAttachedElsewhere, "session attached to another account")
	default:
		h.storeFailure(c, err)
	}
}

// HandleGetProfile handles GET /v1/profile.
func (h *Handlers) HandleGetProfile(c *gin.Context) {
	account := accountID(c)
	if account == "" {
		abort(c, http.StatusUnauthorized, "unauthenticated", "profile requires an authenticated caller")
		return
	}
	p, err := h.store.GetProfile(c.Request.Context(), account)
	if err != nil {
		h.storeFailure(c, err)
		return
	}
	body, err := answer.Canonical(p.Answers)
	if err != nil {
		abort(c, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"answers":    json.RawMessage(body),
		"completed":  p.Completed,
		"updated_at": p.UpdatedAt,
	})
}

// HandlePutProfile handles PUT /v1/profile.
func (h *Handlers) HandlePutProfile(c *gin.Context) {
	account := accountID(c)
	if account == "" {
		abort(c, http.StatusUnauthorized, "unauthenticated", "profile requires an authenticated caller")
		return
	}
	var req struct {
		Answers   json.RawMessage `json:"answers"`
		Completed bool            `json:"completed"`
	}
	if !bindJSON(c, &req) {
		return
	}
	answers, err := answer.Decode(req.Answers)
	if err != nil {
		abort(c, http.StatusUnprocessableEntity, "invalid_answers", err.Error())
		return
	}
	if err := h.store.PutProfile(c.Request.Context(), account, richDates(answers), req.Completed); err != nil {
		h.storeFailure(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		abort(c, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// loadSession fetches the :id session and enforces ownership. It writes
// the error response and returns false on failure.
func (h *Handlers) loadSession(c *gin.Context) (*store.RemoteSession, bool) {
	rs, err := h.store.GetRemoteSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeFailure(c, err)
		return nil, false
	}
	if rs.AccountID != "" && rs.AccountID != accountID(c) {
		abort(c, http.StatusForbidden, session.WireAttachedElsewhere, "session belongs to another account")
		return nil, false
	}
	return rs, true
}

// enrichProfileDates rewrites plain dates in the profile as timestamps,
// the form the profile service stores.
func (h *Handlers) enrichProfileDates(c *gin.Context, account string) error {
	ctx := c.Request.Context()
	p, err := h.store.GetProfile(ctx, account)
	if err != nil {
		return err
	}
	return h.store.PutProfile(ctx, account, richDates(p.Answers), p.Completed)
}

// richDates returns a copy of a with YYYY-MM-DD strings expanded to
// RFC 3339 UTC midnight timestamps.
func richDates(a answer.Set) answer.Set {
	out := a.Clone()
	for k, v := range out {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if t, err := time.Parse(answer.DateLayout, s); err == nil {
			out[k] = t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
		}
	}
	return out
}

func (h *Handlers) storeFailure(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		abort(c, http.StatusNotFound, "not_found", err.Error())
		return
	}
	slog.Error("store operation failed", "path", c.FullPath(), "error", err)
	abort(c, http.StatusInternalServerError, "internal", "storage failure")
}

// bindJSON decodes the request body. An empty body binds to the zero value.
func bindJSON(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	abort(c, http.StatusUnprocessableEntity, "invalid_body", err.Error())
	return false
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, session.ErrorResponse{Code: code, Message: msg})
}
