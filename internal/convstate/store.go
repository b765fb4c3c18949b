// Package convstate implements the server conversation id (SCID) store
// (C3): authoritative server-side message history keyed by an opaque id
// the gateway hands back to the client, so that a client's replayed
// (possibly client-mutated) history can be overridden by what the server
// actually saw, per spec.md §4.3.
package convstate

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"llmrelay/internal/protocol"
)

// Record is one stored conversation: the full turn history as last
// persisted by the server, plus the most recently recovered thinking
// signature (used as a layer-4/5 seed on the next turn of this SCID).
type Record struct {
	SCID          string
	ClientType    string
	Messages      []protocol.InternalMessage
	LastSignature string
	CreatedAt     time.Time
	LastAccess    time.Time
	ExpiresAt     time.Time
}

// Store is the sqlite-backed SCID store. A sliding TTL (refreshed on every
// Load/Append) means active conversations never expire mid-session, while
// abandoned ones are reclaimed by GC.
type Store struct {
	mu         sync.Mutex
	db         *sql.DB
	defaultTTL time.Duration
	ideTTL     time.Duration
}

// New opens (creating if absent) the SCID sqlite database in WAL mode.
func New(path string, defaultTTL, ideTTL time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("convstate: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(8)

	schema := `CREATE TABLE IF NOT EXISTS conversation_state (
		scid TEXT PRIMARY KEY,
		client_type TEXT,
		messages TEXT,
		last_signature TEXT,
		created_at TEXT,
		last_access TEXT,
		expires_at TEXT
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("convstate: create table: %w", err)
	}

	return &Store{db: db, defaultTTL: defaultTTL, ideTTL: ideTTL}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ttlFor returns the IDE-specific TTL for known agentic-CLI client types
// (which hold conversations open for long edit sessions), falling back to
// the default TTL otherwise.
func (s *Store) ttlFor(clientType string) time.Duration {
	switch clientType {
	case "claude_code", "cursor", "windsurf", "cline", "continue_dev", "aider", "zed", "augment":
		return s.ideTTL
	default:
		return s.defaultTTL
	}
}

// Create persists a brand-new conversation and returns its freshly minted
// SCID.
func (s *Store) Create(ctx context.Context, clientType string, initial []protocol.InternalMessage) (string, error) {
	scid := uuid.NewString()
	now := time.Now()
	rec := &Record{
		SCID:       scid,
		ClientType: clientType,
		Messages:   initial,
		CreatedAt:  now,
		LastAccess: now,
		ExpiresAt:  now.Add(s.ttlFor(clientType)),
	}
	if err := s.put(ctx, rec); err != nil {
		return "", err
	}
	return scid, nil
}

// Load fetches a conversation by SCID, refreshing its sliding-TTL expiry.
// ok is false if the SCID is unknown or has already expired.
func (s *Store) Load(ctx context.Context, scid string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT scid, client_type, messages, last_signature,
		created_at, last_access, expires_at FROM conversation_state WHERE scid = ?`, scid)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, false, nil
	}

	rec.LastAccess = time.Now()
	rec.ExpiresAt = rec.LastAccess.Add(s.ttlFor(rec.ClientType))
	if err := s.putLocked(ctx, rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Append adds new turns (the client's newly accepted trailing messages, or
// the server's own view of an assistant reply, plus any newly recovered
// signature) to an existing conversation, per spec.md §4.3's
// "authoritative history" rule: the server's own record, not the client's
// replayed copy, is what gets extended.
func (s *Store) Append(ctx context.Context, scid string, assistantMessages []protocol.InternalMessage, lastSignature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT scid, client_type, messages, last_signature,
		created_at, last_access, expires_at FROM conversation_state WHERE scid = ?`, scid)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return fmt.Errorf("convstate: unknown scid %s", scid)
	}
	if err != nil {
		return err
	}

	rec.Messages = append(rec.Messages, assistantMessages...)
	if lastSignature != "" {
		rec.LastSignature = lastSignature
	}
	rec.LastAccess = time.Now()
	rec.ExpiresAt = rec.LastAccess.Add(s.ttlFor(rec.ClientType))
	return s.putLocked(ctx, rec)
}

// GC deletes every conversation whose sliding-TTL expiry has passed, and
// returns how many rows it removed.
func (s *Store) GC(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversation_state WHERE expires_at < ?`,
		time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(ctx, rec)
}

func (s *Store) putLocked(ctx context.Context, rec *Record) error {
	msgsJSON, err := marshalMessages(rec.Messages)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_state (scid, client_type, messages, last_signature, created_at, last_access, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scid) DO UPDATE SET
			messages=excluded.messages, last_signature=excluded.last_signature,
			last_access=excluded.last_access, expires_at=excluded.expires_at
	`, rec.SCID, rec.ClientType, msgsJSON, rec.LastSignature,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.LastAccess.Format(time.RFC3339Nano), rec.ExpiresAt.Format(time.RFC3339Nano))
	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*Record, error) {
	var rec Record
	var msgsJSON, created, lastAccess, expires string
	if err := row.Scan(&rec.SCID, &rec.ClientType, &msgsJSON, &rec.LastSignature, &created, &lastAccess, &expires); err != nil {
		return nil, err
	}
	msgs, err := unmarshalMessages(msgsJSON)
	if err != nil {
		return nil, err
	}
	rec.Messages = msgs
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.LastAccess, _ = time.Parse(time.RFC3339Nano, lastAccess)
	rec.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
	return &rec, nil
}
