package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

func TestInMemoryRepository_Contract(t *testing.T) {
	runContract(t, NewInMemoryRepository())
}

func TestInMemoryRepository_ClaimAfterLease(t *testing.T) {
	repo := NewInMemoryRepository()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return now })
	ctx := context.Background()

	f, err := repo.CreateFile(ctx, newFile(1, "a.evtx", "h", "crashed-task"))
	require.NoError(t, err)

	_, err = repo.ClaimFile(ctx, ClaimRequest{FileID: f.ID, TaskID: "new", Lease: time.Hour})
	assert.ErrorIs(t, err, ErrTaskActive)

	now = now.Add(2 * time.Hour)
	claimed, err := repo.ClaimFile(ctx, ClaimRequest{FileID: f.ID, TaskID: "new", Lease: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "new", claimed.TaskID)
}

func TestInMemoryRepository_ConcurrentCreateAcceptsOne(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		dupes    int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CreateFile(ctx, newFile(9, "same.evtx", "hash", ""))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else if assert.ErrorIs(t, err, ErrDuplicate) {
				dupes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 19, dupes)
}

func TestInMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	f, err := repo.CreateFile(ctx, newFile(1, "a.evtx", "h", ""))
	require.NoError(t, err)
	f.Status = models.StatusCompleted

	got, err := repo.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
}
