// Package audit provides PostgreSQL-backed storage for moderation history.
// Every warn and escalate verdict is recorded along with admin clear
// commands, so administrators can review why a member was flagged after the
// in-memory state has been reset or the process restarted.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/groupguard/groupguard/internal/moderation"
)

// Event kinds, matching the CHECK constraint on moderation_events.
const (
	KindWarn     = "warn"
	KindEscalate = "escalate"
	KindClear    = "clear"
	KindClearAll = "clear_all"
)

// ErrCleanVerdict is returned by RecordVerdict for clean verdicts, which are
// not audited.
var ErrCleanVerdict = errors.New("audit: clean verdicts are not recorded")

// Store manages moderation events in PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Event is one row of moderation history.
type Event struct {
	ID             uuid.UUID
	Kind           string
	SenderID       string
	ConversationID string
	Reasons        []string
	Terms          []string // banned keywords that matched
	WarnCount      uint32
	ActorID        string // admin who issued a clear
	OccurredAt     time.Time
}

// NewStore creates a new audit store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// RecordVerdict inserts a warn or escalate verdict. terms lists the banned
// keywords that matched, if any.
func (s *Store) RecordVerdict(ctx context.Context, v moderation.Verdict, terms []string) (uuid.UUID, error) {
	var kind string
	switch v.Kind {
	case moderation.VerdictWarn:
		kind = KindWarn
	case moderation.VerdictEscalate:
		kind = KindEscalate
	default:
		return uuid.Nil, ErrCleanVerdict
	}

	return s.insert(ctx, Event{
		Kind:           kind,
		SenderID:       string(v.Sender),
		ConversationID: string(v.Conversation),
		Reasons:        v.Reasons.Strings(),
		Terms:          terms,
		WarnCount:      v.WarnCount,
		OccurredAt:     v.At,
	})
}

// RecordClear inserts an admin clear. An empty sender records clear_all.
func (s *Store) RecordClear(ctx context.Context, sender moderation.SenderID, actor string) (uuid.UUID, error) {
	kind := KindClear
	if sender == "" {
		kind = KindClearAll
	}
	return s.insert(ctx, Event{
		Kind:       kind,
		SenderID:   string(sender),
		ActorID:    actor,
		OccurredAt: s.now(),
	})
}

func (s *Store) insert(ctx context.Context, e Event) (uuid.UUID, error) {
	id := uuid.New()
	if e.Reasons == nil {
		e.Reasons = []string{}
	}
	if e.Terms == nil {
		e.Terms = []string{}
	}

	const query = `
		INSERT INTO moderation_events
			(id, kind, sender_id, conversation_id, reasons, terms, warn_count, actor_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		id,
		e.Kind,
		e.SenderID,
		e.ConversationID,
		pq.Array(e.Reasons),
		pq.Array(e.Terms),
		int64(e.WarnCount),
		e.ActorID,
		e.OccurredAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("audit: insert %s: %w", e.Kind, err)
	}
	return id, nil
}

// Recent returns up to limit events for a sender, newest first.
func (s *Store) Recent(ctx context.Context, sender moderation.SenderID, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}

	const query = `
		SELECT id, kind, sender_id, conversation_id, reasons, terms, warn_count, actor_id, occurred_at
		FROM moderation_events
		WHERE sender_id = $1
		ORDER BY occurred_at DESC, created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, string(sender), limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e     Event
			count int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.SenderID, &e.ConversationID,
			pq.Array(&e.Reasons), pq.Array(&e.Terms), &count, &e.ActorID, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.WarnCount = uint32(count)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: rows: %w", err)
	}
	return events, nil
}

// CountSince returns the number of escalations recorded for a sender since
// the given time. Repeat offenders across restarts show up here even though
// the in-memory registry starts empty.
func (s *Store) CountSince(ctx context.Context, sender moderation.SenderID, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM moderation_events
		WHERE sender_id = $1
		  AND kind = 'escalate'
		  AND occurred_at >= $2`

	var count int
	err := s.db.QueryRowContext(ctx, query, string(sender), since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count since: %w", err)
	}
	return count, nil
}
