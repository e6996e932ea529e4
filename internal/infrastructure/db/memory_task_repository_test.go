package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cra-copilot/backend/internal/domain"
)

func newTask(id, user string, created time.Time) *domain.Task {
	return &domain.Task{
		ID:        id,
		UserID:    user,
		Type:      domain.TaskTypePaperScout,
		Status:    domain.TaskStatusPending,
		Input:     domain.JSONB{"query": "diabetes"},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMemoryTaskRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTaskRepository()
	base := time.Now()

	task := newTask("t1", "u1", base)
	if err := repo.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The stored copy must not alias the caller's maps.
	task.Input["query"] = "changed"

	got, err := repo.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Input["query"] != "diabetes" {
		t.Errorf("Input aliased caller map: %v", got.Input)
	}

	err = repo.Update(ctx, "t1", domain.ProgressUpdate{
		Status:     domain.StatusPtr(domain.TaskStatusRunning),
		TotalSteps: domain.IntPtr(5),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = repo.Get(ctx, "t1")
	if got.Status != domain.TaskStatusRunning || got.TotalSteps != 5 {
		t.Errorf("after update got status=%s total=%d", got.Status, got.TotalSteps)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrTaskNotFound", err)
	}
	if err := repo.Update(ctx, "missing", domain.ProgressUpdate{}); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrTaskNotFound", err)
	}
}

func TestMemoryTaskRepositoryListByUser(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTaskRepository()
	base := time.Now()

	for i, id := range []string{"a", "b", "c", "d"} {
		_ = repo.Create(ctx, newTask(id, "u1", base.Add(time.Duration(i)*time.Second)))
	}
	_ = repo.Create(ctx, newTask("other", "u2", base))

	tests := []struct {
		name          string
		limit, offset int
		want          []string
	}{
		{"all newest first", 0, 0, []string{"d", "c", "b", "a"}},
		{"limit", 2, 0, []string{"d", "c"}},
		{"offset", 2, 2, []string{"b", "a"}},
		{"past end", 10, 9, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.ListByUser(ctx, "u1", tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("ListByUser: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("[%d] = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestMemoryTaskRepositoryPurgeTerminal(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTaskRepository()
	old := time.Now().Add(-2 * time.Hour)

	done := newTask("done", "u1", old)
	done.Status = domain.TaskStatusCompleted
	kept := newTask("kept", "u1", old)
	kept.Status = domain.TaskStatusFailed
	running := newTask("running", "u1", old)
	running.Status = domain.TaskStatusRunning
	fresh := newTask("fresh", "u1", time.Now())
	fresh.Status = domain.TaskStatusCompleted

	for _, task := range []*domain.Task{done, kept, running, fresh} {
		_ = repo.Create(ctx, task)
	}

	removed := repo.PurgeTerminal(time.Now().Add(-time.Hour), func(id string) bool { return id == "kept" })
	if len(removed) != 1 || removed[0] != "done" {
		t.Fatalf("removed = %v, want [done]", removed)
	}
	if repo.Len() != 3 {
		t.Errorf("Len() = %d, want 3", repo.Len())
	}
}
