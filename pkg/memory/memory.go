// Package memory persists conversations in SQLite so multi-turn
// orchestrations survive interruption and can be replayed or branched later.
// All writes funnel through a single writer goroutine, which guarantees
// dense, strictly increasing turn indices per conversation without
// cross-process locking.
package memory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aipo-project/aipo/pkg/models"
	"github.com/aipo-project/aipo/pkg/storage"
)

//go:embed migrations
var migrationsFS embed.FS

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("memory store is closed")

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

type writeReq struct {
	fn   func() error
	done chan error
}

// Store is the SQLite-backed conversation store.
type Store struct {
	db *sql.DB

	writes   chan writeReq
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// Open opens the conversation database, applies migrations, and starts the
// writer goroutine.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := storage.Open(ctx, storage.DefaultConfig(path), migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	s := &Store{
		db:     db,
		writes: make(chan writeReq, 64),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// Close stops the writer goroutine, waits for queued writes to drain, and
// closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) writer() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.writes:
			req.done <- req.fn()
		case <-s.stopCh:
			// Drain writes already queued before shutdown.
			for {
				select {
				case req := <-s.writes:
					req.done <- req.fn()
				default:
					return
				}
			}
		}
	}
}

// submit runs fn on the writer goroutine and waits for its result.
func (s *Store) submit(ctx context.Context, fn func() error) error {
	req := writeReq{fn: fn, done: make(chan error, 1)}
	select {
	case s.writes <- req:
	case <-s.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Create starts a new conversation and returns its ID.
func (s *Store) Create(ctx context.Context) (string, error) {
	id := uuid.NewString()
	err := s.submit(ctx, func() error {
		_, err := s.db.Exec(
			`INSERT INTO conversations (id, root_of, created_at) VALUES (?, NULL, ?)`,
			id, s.now().UTC())
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Append adds a turn to the conversation and returns it with its assigned
// index. Indices are dense and strictly increasing: turn N is durable before
// turn N+1 can be written.
func (s *Store) Append(ctx context.Context, conversationID string, role models.Role, content string) (models.Turn, error) {
	var turn models.Turn
	err := s.submit(ctx, func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin append: %w", err)
		}
		defer tx.Rollback()

		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check conversation: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, conversationID)
		}

		var next int
		if err := tx.QueryRow(
			`SELECT COALESCE(MAX(turn_index) + 1, 0) FROM turns WHERE conversation_id = ?`,
			conversationID).Scan(&next); err != nil {
			return fmt.Errorf("failed to compute turn index: %w", err)
		}

		createdAt := s.now().UTC()
		if _, err := tx.Exec(
			`INSERT INTO turns (conversation_id, turn_index, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			conversationID, next, string(role), content, createdAt); err != nil {
			return fmt.Errorf("failed to append turn: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit turn: %w", err)
		}

		turn = models.Turn{
			ConversationID: conversationID,
			TurnIndex:      next,
			Role:           role,
			Content:        content,
			CreatedAt:      createdAt,
		}
		return nil
	})
	return turn, err
}

// List returns all turns of a conversation in index order.
func (s *Store) List(ctx context.Context, conversationID string) ([]models.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, turn_index, role, content, created_at
		 FROM turns WHERE conversation_id = ? ORDER BY turn_index`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	var out []models.Turn
	for rows.Next() {
		var (
			t    models.Turn
			role string
		)
		if err := rows.Scan(&t.ConversationID, &t.TurnIndex, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Role = models.Role(role)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Get returns the conversation header, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT c.id, COALESCE(c.root_of, ''), c.created_at,
		        (SELECT COUNT(*) FROM turns t WHERE t.conversation_id = c.id)
		 FROM conversations c WHERE c.id = ?`, id)

	var c models.Conversation
	if err := row.Scan(&c.ID, &c.RootOf, &c.CreatedAt, &c.TurnCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return models.Conversation{}, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

// ListAll returns every conversation header, newest first.
func (s *Store) ListAll(ctx context.Context) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, COALESCE(c.root_of, ''), c.created_at,
		        (SELECT COUNT(*) FROM turns t WHERE t.conversation_id = c.id)
		 FROM conversations c ORDER BY c.created_at DESC, c.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.RootOf, &c.CreatedAt, &c.TurnCount); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Branch creates a new conversation seeded with the source's turns up to and
// including uptoIndex, records the source as its root, and returns the new
// conversation ID. uptoIndex < 0 copies the full conversation.
func (s *Store) Branch(ctx context.Context, sourceID string, uptoIndex int) (string, error) {
	id := uuid.NewString()
	err := s.submit(ctx, func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin branch: %w", err)
		}
		defer tx.Rollback()

		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, sourceID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check source conversation: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, sourceID)
		}

		if _, err := tx.Exec(
			`INSERT INTO conversations (id, root_of, created_at) VALUES (?, ?, ?)`,
			id, sourceID, s.now().UTC()); err != nil {
			return fmt.Errorf("failed to create branch: %w", err)
		}

		query := `INSERT INTO turns (conversation_id, turn_index, role, content, created_at)
		          SELECT ?, turn_index, role, content, created_at FROM turns
		          WHERE conversation_id = ?`
		args := []any{id, sourceID}
		if uptoIndex >= 0 {
			query += ` AND turn_index <= ?`
			args = append(args, uptoIndex)
		}
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("failed to copy turns: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit branch: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes a conversation and its turns.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.submit(ctx, func() error {
		res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil
	})
}

// Prune deletes conversations created before cutoff and returns the number
// removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.submit(ctx, func() error {
		res, err := s.db.Exec(`DELETE FROM conversations WHERE created_at < ?`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to prune conversations: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
