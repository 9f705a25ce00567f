package sessionref

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/BTreeMap/AffirmFlow/internal/models"
	"github.com/BTreeMap/AffirmFlow/internal/prompts"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestMemoryStore_PutGetClear(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	got, err := s.Get(ctx, "tab-1")
	if err != nil || got != nil {
		t.Fatalf("empty store: got %+v, %v", got, err)
	}

	ref := models.SessionRef{RunID: "run-1", CreatedAt: 1700000000000, Phase: "chat"}
	if err := s.Put(ctx, "tab-1", ref); err != nil {
		t.Fatal(err)
	}
	got, err = s.Get(ctx, "tab-1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&ref, got); diff != "" {
		t.Errorf("ref mismatch (-want +got):\n%s", diff)
	}

	if err := s.Clear(ctx, "tab-1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get(ctx, "tab-1"); got != nil {
		t.Errorf("cleared ref still present: %+v", got)
	}
}

func TestMemoryStore_Validation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Put(ctx, " ", models.SessionRef{RunID: "r"}); !errors.Is(err, ErrEmptyClientID) {
		t.Errorf("blank client: got %v", err)
	}
	if err := s.Put(ctx, "tab", models.SessionRef{}); !errors.Is(err, ErrEmptyRunID) {
		t.Errorf("blank run id: got %v", err)
	}
	if _, err := s.Get(ctx, ""); !errors.Is(err, ErrEmptyClientID) {
		t.Errorf("get blank client: got %v", err)
	}
}

func TestMemoryStore_SubscribeEmitsOnWriteAndClear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := &recorder{}
	unsubscribe := s.Subscribe(rec.record)

	ref := models.SessionRef{RunID: "run-1", Phase: "swipe"}
	if err := s.Put(ctx, "tab-1", ref); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(ctx, "tab-1"); err != nil {
		t.Fatal(err)
	}
	want := []Event{
		{ClientID: "tab-1", Ref: &ref},
		{ClientID: "tab-1"},
	}
	if diff := cmp.Diff(want, rec.snapshot()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	unsubscribe()
	unsubscribe()
	if err := s.Put(ctx, "tab-1", ref); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.snapshot()); n != 2 {
		t.Errorf("unsubscribed observer got %d events, want 2", n)
	}
	if s.hub.count() != 0 {
		t.Errorf("subscriber set should be empty, has %d", s.hub.count())
	}
}

func TestMemoryStore_UnsubscribeInsideCallback(t *testing.T) {
	s := NewMemoryStore()
	calls := 0
	var unsubscribe func()
	unsubscribe = s.Subscribe(func(Event) {
		calls++
		unsubscribe()
	})
	for i := 0; i < 3; i++ {
		if err := s.Put(context.Background(), "tab", models.SessionRef{RunID: "r"}); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
}

func TestMemoryStore_Close(t *testing.T) {
	s := NewMemoryStore()
	rec := &recorder{}
	s.Subscribe(rec.record)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(context.Background(), "tab", models.SessionRef{RunID: "r"}); !errors.Is(err, ErrClosed) {
		t.Errorf("put after close: got %v", err)
	}
	if len(rec.snapshot()) != 0 {
		t.Error("no events expected after close")
	}
	s.Subscribe(rec.record)()
}

func TestRedisStore_CrossInstance(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := prompts.DialRedis(ctx, addr)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer rdb.Close()

	prefix := "affirmflow-test-" + time.Now().Format("150405.000000")
	a, err := NewRedisStore(ctx, rdb, WithPrefix(prefix), WithTTL(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewRedisStore(ctx, rdb, WithPrefix(prefix), WithTTL(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	local, remote := &recorder{}, &recorder{}
	a.Subscribe(local.record)
	b.Subscribe(remote.record)

	ref := models.SessionRef{RunID: "run-9", CreatedAt: 42, Phase: "chat"}
	if err := a.Put(ctx, "tab-1", ref); err != nil {
		t.Fatal(err)
	}
	got, err := b.Get(ctx, "tab-1")
	if err != nil || got == nil || got.RunID != "run-9" {
		t.Fatalf("b.Get: %+v, %v", got, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(remote.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if evs := remote.snapshot(); len(evs) != 1 || evs[0].Ref == nil || evs[0].Ref.RunID != "run-9" {
		t.Errorf("remote instance events: %+v", evs)
	}
	// The writer is notified once, locally, not again through its own forwarder.
	time.Sleep(100 * time.Millisecond)
	if n := len(local.snapshot()); n != 1 {
		t.Errorf("local instance got %d events, want 1", n)
	}

	if err := a.Clear(ctx, "tab-1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := b.Get(ctx, "tab-1"); got != nil {
		t.Errorf("cleared ref still visible: %+v", got)
	}
}
