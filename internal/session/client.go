package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/roach88/questflow/internal/answer"
	"github.com/roach88/questflow/internal/draft"
)

// Client talks to the remote session service.
//
// Every failure is an *Error. All operations except CreateSession are
// idempotent from the caller's view; callers must check for a stored
// handle before creating a session.
type Client interface {
	CreateSession(ctx context.Context, seed answer.Set) (draft.Handle, error)
	PushDraft(ctx context.Context, h draft.Handle, answers answer.Set) error
	PullDraft(ctx context.Context, h draft.Handle) (draft.Record, error)
	Attach(ctx context.Context, h draft.Handle) error
}

// Profile is the authenticated account's saved questionnaire state.
type Profile struct {
	Answers   answer.Set `json:"answers"`
	Completed bool       `json:"completed"`
}

// Wire shapes shared with the reference server.
type (
	CreateRequest struct {
		Seed answer.Set `json:"seed"`
	}
	CreateResponse struct {
		SessionUUID string `json:"session_uuid"`
	}
	DraftRequest struct {
		Answers answer.Set `json:"answers"`
	}
	DraftResponse struct {
		SessionUUID string          `json:"session_uuid"`
		Answers     json.RawMessage `json:"answers"`
		UpdatedAt   time.Time       `json:"updated_at"`
	}
	ErrorResponse struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

// Server error codes carried in ErrorResponse.Code.
const (
	WireAlreadyAttached   = "already_attached"
	WireAttachedElsewhere = "attached_elsewhere"
)

// HTTPClient implements Client over the session service's JSON API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client. Authentication is
// installed on that client's transport, e.g. with BearerTransport.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.http = c
	}
}

// NewHTTPClient returns a client for the service rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession creates a remote session seeded with answers.
func (c *HTTPClient) CreateSession(ctx context.Context, seed answer.Set) (draft.Handle, error) {
	const op = "create session"
	if seed == nil {
		seed = answer.New()
	}

	var out CreateResponse
	status, err := c.do(ctx, op, http.MethodPost, "/v1/sessions", CreateRequest{Seed: seed}, &out)
	if err != nil {
		return "", err
	}
	h := draft.Handle(out.SessionUUID)
	if !h.Valid() {
		return "", &Error{Code: CodeRejected, Op: op, Status: status, Err: fmt.Errorf("malformed session_uuid %q", out.SessionUUID)}
	}
	return h, nil
}

// PushDraft replaces the remote draft with answers.
func (c *HTTPClient) PushDraft(ctx context.Context, h draft.Handle, answers answer.Set) error {
	if answers == nil {
		answers = answer.New()
	}
	_, err := c.do(ctx, "push draft", http.MethodPatch, sessionPath(h, "draft"), DraftRequest{Answers: answers}, nil)
	return err
}

// PullDraft fetches the remote draft.
func (c *HTTPClient) PullDraft(ctx context.Context, h draft.Handle) (draft.Record, error) {
	const op = "pull draft"
	var out DraftResponse
	status, err := c.do(ctx, op, http.MethodGet, sessionPath(h, "draft"), nil, &out)
	if err != nil {
		return draft.Record{}, err
	}
	answers, err := answer.Decode(out.Answers)
	if err != nil {
		return draft.Record{}, &Error{Code: CodeRejected, Op: op, Status: status, Err: err}
	}
	return draft.Record{Handle: h, Answers: answers, UpdatedAt: out.UpdatedAt}, nil
}

// Attach binds the session to the caller's account.
func (c *HTTPClient) Attach(ctx context.Context, h draft.Handle) error {
	_, err := c.do(ctx, "attach", http.MethodPost, sessionPath(h, "attach"), nil, nil)
	return err
}

// GetProfile returns the caller's profile, or nil when none exists.
func (c *HTTPClient) GetProfile(ctx context.Context) (*Profile, error) {
	var raw struct {
		Answers   json.RawMessage `json:"answers"`
		Completed bool            `json:"completed"`
	}
	_, err := c.do(ctx, "get profile", http.MethodGet, "/v1/profile", nil, &raw)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	answers, err := answer.Decode(raw.Answers)
	if err != nil {
		return nil, &Error{Code: CodeRejected, Op: "get profile", Status: http.StatusOK, Err: err}
	}
	return &Profile{Answers: answers, Completed: raw.Completed}, nil
}

// PutProfile stores the caller's profile.
func (c *HTTPClient) PutProfile(ctx context.Context, p Profile) error {
	if p.Answers == nil {
		p.Answers = answer.New()
	}
	_, err := c.do(ctx, "put profile", http.MethodPut, "/v1/profile", p, nil)
	return err
}

func sessionPath(h draft.Handle, leaf string) string {
	return "/v1/sessions/" + url.PathEscape(string(h)) + "/" + leaf
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil. It returns the response status and an *Error on failure.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, &Error{Code: CodeRejected, Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, &Error{Code: CodeRejected, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &Error{Code: CodeNetwork, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, &Error{Code: CodeNetwork, Op: op, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 300 {
		return resp.StatusCode, classify(op, resp.StatusCode, respBody)
	}

	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, &Error{Code: CodeRejected, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return resp.StatusCode, nil
}

// classify maps a non-2xx response to an *Error.
func classify(op string, status int, body []byte) *Error {
	var er ErrorResponse
	_ = json.Unmarshal(body, &er)

	msg := er.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	cause := errors.New(msg)

	switch {
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return &Error{Code: CodeNetwork, Op: op, Status: status, Err: cause}
	case status == http.StatusNotFound:
		return &Error{Code: CodeNotFound, Op: op, Status: status, Err: cause}
	case status == http.StatusConflict && er.Code == WireAlreadyAttached:
		return &Error{Code: CodeAlreadyAttached, Op: op, Status: status, Err: cause}
	default:
		return &Error{Code: CodeRejected, Op: op, Status: status, Err: cause}
	}
}
