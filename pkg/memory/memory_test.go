package memory

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aipo-project/aipo/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_AppendAssignsDenseIndices(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx)
	require.NoError(t, err)

	for i, content := range []string{"hello", "hi there", "tell me more"} {
		turn, err := s.Append(ctx, id, models.RoleUser, content)
		require.NoError(t, err)
		assert.Equal(t, i, turn.TurnIndex)
	}

	turns, err := s.List(ctx, id)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	for i, turn := range turns {
		assert.Equal(t, i, turn.TurnIndex)
	}

	require.NoError(t, s.Close())
}

func TestStore_AppendUnknownConversation(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Append(context.Background(), "nope", models.RoleUser, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ConcurrentAppendsStayDense(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx)
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(ctx, id, models.RoleAssistant, "turn")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	turns, err := s.List(ctx, id)
	require.NoError(t, err)
	require.Len(t, turns, writers)
	for i, turn := range turns {
		assert.Equal(t, i, turn.TurnIndex, "indices must be dense with no gaps")
	}
}

func TestStore_Branch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	src, err := s.Create(ctx)
	require.NoError(t, err)
	for _, content := range []string{"a", "b", "c", "d"} {
		_, err := s.Append(ctx, src, models.RoleUser, content)
		require.NoError(t, err)
	}

	branch, err := s.Branch(ctx, src, 1)
	require.NoError(t, err)

	turns, err := s.List(ctx, branch)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "a", turns[0].Content)
	assert.Equal(t, "b", turns[1].Content)

	// Branch records its source and keeps growing independently.
	header, err := s.Get(ctx, branch)
	require.NoError(t, err)
	assert.Equal(t, src, header.RootOf)

	turn, err := s.Append(ctx, branch, models.RoleUser, "e")
	require.NoError(t, err)
	assert.Equal(t, 2, turn.TurnIndex)

	srcTurns, err := s.List(ctx, src)
	require.NoError(t, err)
	assert.Len(t, srcTurns, 4)
}

func TestStore_BranchFull(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	src, err := s.Create(ctx)
	require.NoError(t, err)
	for _, content := range []string{"a", "b"} {
		_, err := s.Append(ctx, src, models.RoleUser, content)
		require.NoError(t, err)
	}

	branch, err := s.Branch(ctx, src, -1)
	require.NoError(t, err)

	turns, err := s.List(ctx, branch)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestStore_DeleteAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx)
	require.NoError(t, err)
	_, err = s.Append(ctx, id, models.RoleUser, "x")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))
	assert.ErrorIs(t, s.Delete(ctx, id), ErrNotFound)

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	// Prune removes old conversations only.
	old, err := s.Create(ctx)
	require.NoError(t, err)
	_ = old
	n, err := s.Prune(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Prune(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_ListAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx)
	require.NoError(t, err)
	b, err := s.Create(ctx)
	require.NoError(t, err)
	_, err = s.Append(ctx, b, models.RoleUser, "x")
	require.NoError(t, err)

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	byID := map[string]models.Conversation{all[0].ID: all[0], all[1].ID: all[1]}
	assert.Equal(t, 0, byID[a].TurnCount)
	assert.Equal(t, 1, byID[b].TurnCount)
}

func TestStore_CloseRejectsWrites(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Create(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	ctx := context.Background()

	s1, err := Open(ctx, path)
	require.NoError(t, err)
	id, err := s1.Create(ctx)
	require.NoError(t, err)
	_, err = s1.Append(ctx, id, models.RoleUser, "persisted")
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, path)
	require.NoError(t, err)
	defer s2.Close()

	turns, err := s2.List(ctx, id)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "persisted", turns[0].Content)
}
