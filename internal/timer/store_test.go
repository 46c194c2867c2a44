package timer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	mustSchedule := func(f Firing) {
		if err := s.Schedule(ctx, f); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	mustSchedule(Firing{OrderID: "o1", Purpose: PurposeFulfillmentDeadline, Generation: 1, FiresAt: base})
	mustSchedule(Firing{OrderID: "o2", Purpose: PurposeFulfillmentDeadline, Generation: 1, FiresAt: base.Add(2 * time.Hour)})
	// rescheduling replaces the older generation
	mustSchedule(Firing{OrderID: "o3", Purpose: PurposePickupReminder, Generation: 1, FiresAt: base})
	mustSchedule(Firing{OrderID: "o3", Purpose: PurposePickupReminder, Generation: 2, FiresAt: base.Add(time.Hour)})

	due, err := s.Due(ctx, base.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].OrderID != "o1" || !due[0].FiresAt.Equal(base) {
		t.Fatalf("due = %+v", due)
	}

	// not acked yet, so still due
	if again, _ := s.Due(ctx, base.Add(time.Minute), 10); len(again) != 1 {
		t.Fatalf("expected unacked firing to stay due, got %+v", again)
	}

	if err := s.Ack(ctx, due[0]); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if after, _ := s.Due(ctx, base.Add(time.Minute), 10); len(after) != 0 {
		t.Fatalf("expected nothing due after ack, got %+v", after)
	}

	late, err := s.Due(ctx, base.Add(3*time.Hour), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(late) != 2 {
		t.Fatalf("late due = %+v", late)
	}
	for _, f := range late {
		if f.OrderID == "o3" && f.Generation != 2 {
			t.Fatalf("stale generation surfaced: %+v", f)
		}
	}

	// acking an old generation must not remove the newer one
	if err := s.Ack(ctx, Firing{OrderID: "o3", Purpose: PurposePickupReminder, Generation: 1}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := s.Remove(ctx, "o2", PurposeFulfillmentDeadline); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	rest, _ := s.Due(ctx, base.Add(3*time.Hour), 10)
	if len(rest) != 1 || rest[0].OrderID != "o3" {
		t.Fatalf("remaining = %+v", rest)
	}
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	storeContract(t, NewRedisStore(client, "test:timers"))
}

func TestParseMember(t *testing.T) {
	id, p, err := parseMember(member("ord|x", PurposePickupReminder))
	if err != nil || id != "ord|x" || p != PurposePickupReminder {
		t.Fatalf("parseMember = %q %q %v", id, p, err)
	}
	if _, _, err := parseMember("nope"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRedisStoreRestoreKeepsNewerGeneration(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client, "test:timers")
	ctx := context.Background()

	current := Firing{OrderID: "o1", Purpose: PurposePickupReminder, Generation: 4, FiresAt: base.Add(time.Hour)}
	if err := s.Schedule(ctx, current); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	added, err := s.Restore(ctx, Firing{OrderID: "o1", Purpose: PurposePickupReminder, Generation: 3, FiresAt: base})
	if err != nil || added {
		t.Fatalf("Restore over a live entry = %v, %v", added, err)
	}

	added, err = s.Restore(ctx, Firing{OrderID: "o2", Purpose: PurposeFulfillmentDeadline, Generation: 1, FiresAt: base})
	if err != nil || !added {
		t.Fatalf("Restore of a missing entry = %v, %v", added, err)
	}

	due, err := s.Due(ctx, base.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %+v", due)
	}
	for _, f := range due {
		if f.OrderID == "o1" && f.Generation != 4 {
			t.Fatalf("generation overwritten: %+v", f)
		}
	}
}
