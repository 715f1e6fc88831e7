package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/questflow/internal/answer"
)

// Attach outcomes reported by AttachRemoteSession.
var (
	ErrAlreadyAttached   = errors.New("session already attached to this account")
	ErrAttachedElsewhere = errors.New("session attached to another account")
)

// RemoteSession is a server-side draft session.
type RemoteSession struct {
	UUID       string
	Answers    answer.Set
	AccountID  string // empty while anonymous
	CreatedAt  time.Time
	UpdatedAt  time.Time
	AttachedAt time.Time // zero while unattached
}

// Profile is an account's saved questionnaire answers.
type Profile struct {
	AccountID string
	Answers   answer.Set
	Completed bool
	UpdatedAt time.Time
}

// CreateRemoteSession inserts a session seeded with answers. A non-empty
// accountID creates the session already owned by that account.
func (s *Store) CreateRemoteSession(ctx context.Context, id string, seed answer.Set, accountID string) error {
	text, err := marshalAnswers(seed)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	now := s.nowMillis()

	var owner, attachedAt any
	if accountID != "" {
		owner, attachedAt = accountID, now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO remote_sessions (session_uuid, answers, account_id, created_at, updated_at, attached_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, text, owner, now, now, attachedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetRemoteSession returns the session or ErrNotFound.
func (s *Store) GetRemoteSession(ctx context.Context, id string) (*RemoteSession, error) {
	return getRemoteSession(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRemoteSession(ctx context.Context, q queryRower, id string) (*RemoteSession, error) {
	var (
		text       string
		account    sql.NullString
		created    int64
		updated    int64
		attachedAt sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `
		SELECT answers, account_id, created_at, updated_at, attached_at
		FROM remote_sessions WHERE session_uuid = ?
	`, id).Scan(&text, &account, &created, &updated, &attachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	answers, err := unmarshalAnswers(text)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	rs := &RemoteSession{
		UUID:      id,
		Answers:   answers,
		AccountID: account.String,
		CreatedAt: time.UnixMilli(created).UTC(),
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}
	if attachedAt.Valid {
		rs.AttachedAt = time.UnixMilli(attachedAt.Int64).UTC()
	}
	return rs, nil
}

// ReplaceRemoteDraft overwrites the session's answers. The replacement is
// total: keys absent from answers are dropped.
func (s *Store) ReplaceRemoteDraft(ctx context.Context, id string, answers answer.Set) error {
	text, err := marshalAnswers(answers)
	if err != nil {
		return fmt.Errorf("replace draft: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE remote_sessions SET answers = ?, updated_at = ? WHERE session_uuid = ?
	`, text, s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("replace draft: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace draft: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// AttachRemoteSession binds an anonymous session to accountID and merges
// its answers into the account profile. Values already in the profile win.
//
// Returns ErrNotFound, ErrAlreadyAttached (same account) or
// ErrAttachedElsewhere (different account). The bind and the merge commit
// together.
func (s *Store) AttachRemoteSession(ctx context.Context, id, accountID string) error {
	if accountID == "" {
		return errors.New("attach: empty account id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("attach: begin: %w", err)
	}
	defer tx.Rollback()

	sess, err := getRemoteSession(ctx, tx, id)
	if err != nil {
		return err
	}
	switch sess.AccountID {
	case "":
	case accountID:
		return fmt.Errorf("session %s: %w", id, ErrAlreadyAttached)
	default:
		return fmt.Errorf("session %s: %w", id, ErrAttachedElsewhere)
	}

	now := s.nowMillis()
	if _, err := tx.ExecContext(ctx, `
		UPDATE remote_sessions SET account_id = ?, attached_at = ? WHERE session_uuid = ?
	`, accountID, now, id); err != nil {
		return fmt.Errorf("attach: bind: %w", err)
	}

	profile, err := getProfile(ctx, tx, accountID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("attach: %w", err)
	}
	merged := sess.Answers.Clone()
	completed := false
	if profile != nil {
		for k, v := range profile.Answers {
			if v != nil {
				merged[k] = v
			}
		}
		completed = profile.Completed
	}
	if err := putProfile(ctx, tx, accountID, merged, completed, now); err != nil {
		return fmt.Errorf("attach: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("attach: commit: %w", err)
	}
	return nil
}

// GetProfile returns the account profile or ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, accountID string) (*Profile, error) {
	return getProfile(ctx, s.db, accountID)
}

func getProfile(ctx context.Context, q queryRower, accountID string) (*Profile, error) {
	var (
		text      string
		completed bool
		updated   int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT answers, completed, updated_at FROM profiles WHERE account_id = ?
	`, accountID).Scan(&text, &completed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	answers, err := unmarshalAnswers(text)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &Profile{
		AccountID: accountID,
		Answers:   answers,
		Completed: completed,
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}, nil
}

// PutProfile replaces the account profile.
func (s *Store) PutProfile(ctx context.Context, accountID string, answers answer.Set, completed bool) error {
	return putProfile(ctx, s.db, accountID, answers, completed, s.nowMillis())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putProfile(ctx context.Context, e execer, accountID string, answers answer.Set, completed bool, now int64) error {
	text, err := marshalAnswers(answers)
	if err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO profiles (account_id, answers, completed, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			answers = excluded.answers,
			completed = excluded.completed,
			updated_at = excluded.updated_at
	`, accountID, text, completed, now)
	if err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}
