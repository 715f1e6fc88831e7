package draft

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/questflow/internal/answer"
)

// Local storage keys.
const (
	KeySessionHandle = "questionnaire.session_uuid"
	KeyDraft         = "questionnaire.draft"
	KeyAttachPending = "questionnaire.attach_pending"
	KeyCompleted     = "questionnaire.completed"
)

// Handle identifies a remote draft session.
type Handle string

// String returns the handle text.
func (h Handle) String() string {
	return string(h)
}

// Valid reports whether h parses as a UUID.
func (h Handle) Valid() bool {
	_, err := uuid.Parse(string(h))
	return err == nil
}

// Record is a persisted draft.
type Record struct {
	Handle    Handle
	Answers   answer.Set
	UpdatedAt time.Time
}

// envelope is the stored form of KeyDraft.
type envelope struct {
	Answers   json.RawMessage `json:"answers"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithNow sets the clock used to stamp UpdatedAt.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// Store gives typed access to the local draft keys.
type Store struct {
	kv  KV
	now func() time.Time
}

// NewStore returns a Store over kv.
func NewStore(kv KV, opts ...StoreOption) *Store {
	s := &Store{kv: kv, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the saved draft. The second result is false when no draft
// has been saved or the stored value cannot be decoded. The handle is
// filled in when one is stored.
func (s *Store) Load(ctx context.Context) (Record, bool, error) {
	raw, ok, err := s.kv.Get(ctx, KeyDraft)
	if err != nil {
		return Record{}, false, &StorageError{Op: "load", Key: KeyDraft, Err: err}
	}
	if !ok {
		return Record{}, false, nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		slog.Warn("ignoring malformed local draft", "key", KeyDraft, "error", err)
		return Record{}, false, nil
	}
	answers, err := answer.Decode(env.Answers)
	if err != nil {
		slog.Warn("ignoring malformed local draft answers", "key", KeyDraft, "error", err)
		return Record{}, false, nil
	}

	h, _, err := s.SessionHandle(ctx)
	if err != nil {
		return Record{}, false, err
	}

	return Record{Handle: h, Answers: answers, UpdatedAt: env.UpdatedAt}, true, nil
}

// Save replaces the stored draft with answers.
func (s *Store) Save(ctx context.Context, answers answer.Set) error {
	canonical, err := answer.Canonical(answers)
	if err != nil {
		return &StorageError{Op: "save", Key: KeyDraft, Err: err}
	}
	data, err := json.Marshal(envelope{
		Answers:   canonical,
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		return &StorageError{Op: "save", Key: KeyDraft, Err: err}
	}
	if err := s.kv.Put(ctx, KeyDraft, string(data)); err != nil {
		return &StorageError{Op: "save", Key: KeyDraft, Err: err}
	}
	return nil
}

// Clear removes the stored draft. The handle and flags are kept.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, KeyDraft); err != nil {
		return &StorageError{Op: "clear", Key: KeyDraft, Err: err}
	}
	return nil
}

// SessionHandle returns the stored remote session handle. A stored value
// that is not a UUID is logged and reported as absent.
func (s *Store) SessionHandle(ctx context.Context) (Handle, bool, error) {
	raw, ok, err := s.kv.Get(ctx, KeySessionHandle)
	if err != nil {
		return "", false, &StorageError{Op: "read handle", Key: KeySessionHandle, Err: err}
	}
	if !ok {
		return "", false, nil
	}
	h := Handle(raw)
	if !h.Valid() {
		slog.Warn("ignoring malformed session handle", "key", KeySessionHandle, "value", raw)
		return "", false, nil
	}
	return h, true, nil
}

// SetSessionHandle stores h.
func (s *Store) SetSessionHandle(ctx context.Context, h Handle) error {
	if err := s.kv.Put(ctx, KeySessionHandle, string(h)); err != nil {
		return &StorageError{Op: "write handle", Key: KeySessionHandle, Err: err}
	}
	return nil
}

// ClearSessionHandle forgets the stored handle. Used when the remote
// session no longer exists.
func (s *Store) ClearSessionHandle(ctx context.Context) error {
	if err := s.kv.Delete(ctx, KeySessionHandle); err != nil {
		return &StorageError{Op: "clear handle", Key: KeySessionHandle, Err: err}
	}
	return nil
}

// AttachPending reports whether remote draft data awaits binding to an
// account.
func (s *Store) AttachPending(ctx context.Context) (bool, error) {
	return s.readBool(ctx, KeyAttachPending)
}

// SetAttachPending stores the attach-pending flag.
func (s *Store) SetAttachPending(ctx context.Context, pending bool) error {
	return s.writeBool(ctx, KeyAttachPending, pending)
}

// Completed reports whether the run was marked complete.
func (s *Store) Completed(ctx context.Context) (bool, error) {
	return s.readBool(ctx, KeyCompleted)
}

// SetCompleted stores the completion flag.
func (s *Store) SetCompleted(ctx context.Context, completed bool) error {
	return s.writeBool(ctx, KeyCompleted, completed)
}

func (s *Store) readBool(ctx context.Context, key string) (bool, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, &StorageError{Op: "read", Key: key, Err: err}
	}
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("ignoring malformed flag", "key", key, "value", raw)
		return false, nil
	}
	return b, nil
}

func (s *Store) writeBool(ctx context.Context, key string, v bool) error {
	if err := s.kv.Put(ctx, key, strconv.FormatBool(v)); err != nil {
		return &StorageError{Op: "write", Key: key, Err: err}
	}
	return nil
}
