package user

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestService() (*Service, *time.Time) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc := NewService(NewMemoryStore()).
		WithAdminSet(func(id string) bool { return id == "admin" }).
		WithClock(func() time.Time { return now })
	return svc, &now
}

func TestService_TouchRegistersOnFirstSight(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	u, err := svc.Touch(ctx, "alice", "Alice N.")
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if u.DisplayName != "Alice N." {
		t.Errorf("name = %q", u.DisplayName)
	}
	if u.Admin {
		t.Error("alice should not be admin")
	}
	if u.CreatedAt.IsZero() || !u.CreatedAt.Equal(u.LastSeenAt) {
		t.Errorf("timestamps = created %v seen %v", u.CreatedAt, u.LastSeenAt)
	}

	got, err := svc.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.DisplayName != "Alice N." {
		t.Errorf("stored name = %q", got.DisplayName)
	}
}

func TestService_TouchRefreshesProfile(t *testing.T) {
	svc, now := newTestService()
	ctx := context.Background()

	first, err := svc.Touch(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	*now = now.Add(time.Hour)

	// New display name replaces; creation time sticks
	u, err := svc.Touch(ctx, "alice", "Alice Renamed")
	if err != nil {
		t.Fatalf("second Touch failed: %v", err)
	}
	if u.DisplayName != "Alice Renamed" {
		t.Errorf("name = %q", u.DisplayName)
	}
	if !u.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created at moved: %v -> %v", first.CreatedAt, u.CreatedAt)
	}
	if !u.LastSeenAt.After(first.LastSeenAt) {
		t.Error("last seen not advanced")
	}

	// Blank name keeps the stored one
	u, err = svc.Touch(ctx, "alice", "")
	if err != nil {
		t.Fatalf("third Touch failed: %v", err)
	}
	if u.DisplayName != "Alice Renamed" {
		t.Errorf("blank touch cleared name: %q", u.DisplayName)
	}
}

func TestService_TouchAdminFlag(t *testing.T) {
	svc, _ := newTestService()
	u, err := svc.Touch(context.Background(), "admin", "Ops")
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if !u.Admin {
		t.Error("admin flag not set from admin set")
	}
}

func TestService_TouchRejectsBlankID(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Touch(context.Background(), "   ", "x"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("error = %v, want ErrInvalidID", err)
	}
}

func TestService_ListMostRecentFirst(t *testing.T) {
	svc, now := newTestService()
	ctx := context.Background()

	for _, id := range []string{"alice", "bob", "carol"} {
		if _, err := svc.Touch(ctx, id, ""); err != nil {
			t.Fatalf("Touch %s failed: %v", id, err)
		}
		*now = now.Add(time.Minute)
	}
	// alice comes back, becomes most recent
	if _, err := svc.Touch(ctx, "alice", ""); err != nil {
		t.Fatalf("re-Touch failed: %v", err)
	}

	users, err := svc.List(ctx, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("users = %d, want 3", len(users))
	}
	if users[0].ID != "alice" {
		t.Errorf("most recent = %s, want alice", users[0].ID)
	}

	total, err := svc.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if total != 3 {
		t.Errorf("count = %d, want 3", total)
	}
}

func TestService_GetUnknown(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}
