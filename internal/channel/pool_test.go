package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flowdial/flowdial/internal/database"
	"github.com/flowdial/flowdial/internal/database/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, promoteBusy bool) (*Pool, *database.DB) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pool := NewPool(
		database.NewChannelRepository(db),
		database.NewCallerIdentityRepository(db),
		nil,
		"sip.example.com",
		promoteBusy,
		testLogger(),
	)
	return pool, db
}

func TestConnectLoadsStoredChannels(t *testing.T) {
	pool, db := newTestPool(t, true)
	ctx := context.Background()
	repo := database.NewChannelRepository(db)

	for _, username := range []string{"1001", "1002"} {
		if err := repo.Create(ctx, &models.Channel{
			Username: username, Password: "pw", Domain: "pbx.example.com",
			Status: models.ChannelBusy, FailCount: 2,
		}); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	pool.Connect(ctx)
	if !pool.Connected() {
		t.Fatal("Connected() = false after Connect")
	}

	snapshot := pool.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("Snapshot() returned %d channels, want 2", len(snapshot))
	}
	// Persisted runtime state is stale after a restart.
	for _, ch := range snapshot {
		if ch.Status != models.ChannelAvailable {
			t.Errorf("channel %s status = %q, want available", ch.Username, ch.Status)
		}
		if ch.FailCount != 0 {
			t.Errorf("channel %s fail_count = %d, want 0", ch.Username, ch.FailCount)
		}
	}
}

func TestConnectSynthesizesFromIdentities(t *testing.T) {
	pool, db := newTestPool(t, true)
	ctx := context.Background()

	identityRepo := database.NewCallerIdentityRepository(db)
	identityRepo.Create(ctx, &models.CallerIdentity{
		Name: "main", CallerIDName: "Acme", CallerIDNum: "15551230000",
		Domain: "pbx.acme.com", Active: true,
	})
	identityRepo.Create(ctx, &models.CallerIdentity{
		Name: "retired", CallerIDName: "Old", CallerIDNum: "15551239999",
		Active: false,
	})

	pool.Connect(ctx)

	snapshot := pool.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("Snapshot() returned %d channels, want 1 (active identities only)", len(snapshot))
	}
	ch := snapshot[0]
	if !ch.Virtual {
		t.Error("synthesized channel should be virtual")
	}
	if ch.Domain != "pbx.acme.com" {
		t.Errorf("domain = %q, want identity domain", ch.Domain)
	}
	if ch.CallerIdentityID == nil {
		t.Error("synthesized channel should reference its caller identity")
	}

	// Synthesized channels are persisted.
	count, err := database.NewChannelRepository(db).Count(ctx)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if count != 1 {
		t.Errorf("persisted channel count = %d, want 1", count)
	}
}

func TestConnectSynthesizesBuiltinFallback(t *testing.T) {
	pool, _ := newTestPool(t, true)
	ctx := context.Background()

	pool.Connect(ctx)

	snapshot := pool.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("Snapshot() returned %d channels, want 2 built-in fallbacks", len(snapshot))
	}
	for _, ch := range snapshot {
		if !ch.Virtual {
			t.Errorf("fallback channel %s should be virtual", ch.Username)
		}
		if ch.Domain != "sip.example.com" {
			t.Errorf("fallback channel domain = %q, want default domain", ch.Domain)
		}
		if ch.Status != models.ChannelAvailable {
			t.Errorf("fallback channel status = %q, want available", ch.Status)
		}
	}
}

func TestAllocateRanking(t *testing.T) {
	pool, db := newTestPool(t, true)
	ctx := context.Background()
	repo := database.NewChannelRepository(db)

	old := time.Now().Add(-time.Hour)
	recent := time.Now().Add(-time.Minute)
	repo.Create(ctx, &models.Channel{Username: "rested", Password: "", Status: models.ChannelAvailable})
	repo.Create(ctx, &models.Channel{Username: "recent", Password: "", Status: models.ChannelAvailable})
	repo.Create(ctx, &models.Channel{Username: "flaky", Password: "", Status: models.ChannelAvailable})

	pool.Connect(ctx)

	// Shape runtime state directly; Connect resets what storage held.
	pool.mu.Lock()
	for _, ch := range pool.entries {
		switch ch.Username {
		case "rested":
			ch.LastUsedAt = &old
		case "recent":
			ch.LastUsedAt = &recent
		case "flaky":
			ch.LastUsedAt = &old
			ch.FailCount = 2
		}
	}
	pool.mu.Unlock()

	// Lowest failure count wins; among equals the longest-rested wins.
	first, err := pool.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if first.Username != "rested" {
		t.Errorf("first allocation = %q, want rested", first.Username)
	}

	second, err := pool.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if second.Username != "recent" {
		t.Errorf("second allocation = %q, want recent", second.Username)
	}

	third, err := pool.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if third.Username != "flaky" {
		t.Errorf("third allocation = %q, want flaky", third.Username)
	}
}

func TestAllocatePrefersNeverUsed(t *testing.T) {
	pool, db := newTestPool(t, true)
	ctx := context.Background()
	repo := database.NewChannelRepository(db)
	repo.Create(ctx, &models.Channel{Username: "used", Status: models.ChannelAvailable})
	repo.Create(ctx, &models.Channel{Username: "fresh", Status: models.ChannelAvailable})

	pool.Connect(ctx)
	used := time.Now().Add(-time.Hour)
	pool.mu.Lock()
	for _, ch := range pool.entries {
		if ch.Username == "used" {
			ch.LastUsedAt = &used
		}
	}
	pool.mu.Unlock()

	got, err := pool.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if got.Username != "fresh" {
		t.Errorf("Allocate() = %q, want never-used channel first", got.Username)
	}
}

func TestAllocatePromotesBusy(t *testing.T) {
	pool, db := newTestPool(t, true)
	ctx := context.Background()
	database.NewChannelRepository(db).Create(ctx, &models.Channel{
		Username: "only", Status: models.ChannelAvailable,
	})

	pool.Connect(ctx)

	first, err := pool.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	// Pool is now fully busy; the degrade-over-deny policy hands the same
	// channel out again instead of refusing.
	second, err := pool.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate() with busy pool error: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("promoted channel ID = %d, want %d", second.ID, first.ID)
	}
}

func TestAllocateDenyWhenPromotionDisabled(t *testing.T) {
	pool, db := newTestPool(t, false)
	ctx := context.Background()
	database.NewChannelRepository(db).Create(ctx, &models.Channel{
		Username: "only", Status: models.ChannelAvailable,
	})

	pool.Connect(ctx)

	if _, err := pool.Allocate(ctx); err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if _, err := pool.Allocate(ctx); err != ErrPoolEmpty {
		t.Errorf("Allocate() error = %v, want ErrPoolEmpty", err)
	}
}

func TestAllocateReloadsNewChannels(t *testing.T) {
	pool, db := newTestPool(t, false)
	ctx := context.Background()
	repo := database.NewChannelRepository(db)
	repo.Create(ctx, &models.Channel{Username: "first", Status: models.ChannelAvailable})

	pool.Connect(ctx)
	if _, err := pool.Allocate(ctx); err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	// A channel added after Connect is discovered by the reload-on-empty path.
	repo.Create(ctx, &models.Channel{Username: "second", Status: models.ChannelAvailable})

	got, err := pool.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate() after reload error: %v", err)
	}
	if got.Username != "second" {
		t.Errorf("Allocate() = %q, want reloaded channel", got.Username)
	}
}

func TestReleaseOutcomes(t *testing.T) {
	pool, db := newTestPool(t, true)
	ctx := context.Background()
	database.NewChannelRepository(db).Create(ctx, &models.Channel{
		Username: "only", Status: models.ChannelAvailable,
	})
	pool.Connect(ctx)
	pool.cooldown = 20 * time.Millisecond

	ch, err := pool.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	// Success release makes the channel available with a clean count.
	pool.Release(ch.ID, true)
	available, busy, _ := pool.Counts()
	if available != 1 || busy != 0 {
		t.Errorf("after success release: available=%d busy=%d", available, busy)
	}

	// Two failures keep the channel in rotation.
	for i := 0; i < 2; i++ {
		if _, err := pool.Allocate(ctx); err != nil {
			t.Fatalf("Allocate() error: %v", err)
		}
		pool.Release(ch.ID, false)
	}
	available, _, errored := pool.Counts()
	if available != 1 || errored != 0 {
		t.Errorf("after 2 failures: available=%d errored=%d", available, errored)
	}

	// The third consecutive failure quarantines it.
	if _, err := pool.Allocate(ctx); err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	pool.Release(ch.ID, false)
	_, _, errored = pool.Counts()
	if errored != 1 {
		t.Errorf("after 3 failures: errored=%d, want 1", errored)
	}

	// After the cooldown the channel comes back with a clean count.
	deadline := time.Now().Add(2 * time.Second)
	for {
		available, _, _ = pool.Counts()
		if available == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("channel not restored after cooldown")
		}
		time.Sleep(5 * time.Millisecond)
	}
	snapshot := pool.Snapshot()
	if snapshot[0].FailCount != 0 {
		t.Errorf("restored fail_count = %d, want 0", snapshot[0].FailCount)
	}
}

// unwritableChannelRepo simulates storage that can be read but not written,
// so synthesized channels never receive a storage ID.
type unwritableChannelRepo struct{}

func (unwritableChannelRepo) Create(ctx context.Context, ch *models.Channel) error {
	return errors.New("readonly storage")
}

func (unwritableChannelRepo) List(ctx context.Context) ([]models.Channel, error) {
	return nil, nil
}

func (unwritableChannelRepo) UpdateState(ctx context.Context, ch *models.Channel) error {
	return errors.New("readonly storage")
}

func (unwritableChannelRepo) Count(ctx context.Context) (int, error) {
	return 0, nil
}

func TestUnpersistedSynthesizedChannelsKeepDistinctIDs(t *testing.T) {
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pool := NewPool(
		unwritableChannelRepo{},
		database.NewCallerIdentityRepository(db),
		nil,
		"sip.example.com",
		false,
		testLogger(),
	)
	ctx := context.Background()
	pool.Connect(ctx)

	snapshot := pool.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("Snapshot() returned %d channels, want 2 built-in fallbacks", len(snapshot))
	}
	seen := make(map[int64]bool)
	for _, ch := range snapshot {
		if ch.ID >= 0 {
			t.Errorf("unpersisted channel %s ID = %d, want negative in-memory ID", ch.Username, ch.ID)
		}
		if seen[ch.ID] {
			t.Fatalf("duplicate channel ID %d", ch.ID)
		}
		seen[ch.ID] = true
	}

	// A failed release must land on the channel that was allocated, not on
	// whichever entry happens to share its ID.
	allocated, err := pool.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	pool.Release(allocated.ID, false)

	for _, ch := range pool.Snapshot() {
		want := 0
		if ch.ID == allocated.ID {
			want = 1
		}
		if ch.FailCount != want {
			t.Errorf("channel %s fail_count = %d, want %d", ch.Username, ch.FailCount, want)
		}
	}
}

func TestReleaseUnknownChannelIsNoop(t *testing.T) {
	pool, db := newTestPool(t, true)
	ctx := context.Background()
	database.NewChannelRepository(db).Create(ctx, &models.Channel{
		Username: "only", Status: models.ChannelAvailable,
	})
	pool.Connect(ctx)

	pool.Release(9999, false)

	available, _, errored := pool.Counts()
	if available != 1 || errored != 0 {
		t.Errorf("unknown release changed state: available=%d errored=%d", available, errored)
	}
}

func TestReleaseAvailableChannelIsNoop(t *testing.T) {
	pool, db := newTestPool(t, true)
	ctx := context.Background()
	database.NewChannelRepository(db).Create(ctx, &models.Channel{
		Username: "only", Status: models.ChannelAvailable,
	})
	pool.Connect(ctx)

	snapshot := pool.Snapshot()
	// A duplicate release must not bump the failure count.
	pool.Release(snapshot[0].ID, false)

	after := pool.Snapshot()
	if after[0].FailCount != 0 {
		t.Errorf("duplicate release bumped fail_count to %d", after[0].FailCount)
	}
}

func TestHealthPassForceResetsStuckPool(t *testing.T) {
	pool, db := newTestPool(t, false)
	ctx := context.Background()
	repo := database.NewChannelRepository(db)
	repo.Create(ctx, &models.Channel{Username: "a", Status: models.ChannelAvailable})
	repo.Create(ctx, &models.Channel{Username: "b", Status: models.ChannelAvailable})

	pool.Connect(ctx)
	if _, err := pool.Allocate(ctx); err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if _, err := pool.Allocate(ctx); err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	available, busy, _ := pool.Counts()
	if available != 0 || busy != 2 {
		t.Fatalf("precondition failed: available=%d busy=%d", available, busy)
	}

	pool.HealthPass(ctx)

	available, busy, _ = pool.Counts()
	if available != 2 || busy != 0 {
		t.Errorf("after health pass: available=%d busy=%d, want all available", available, busy)
	}
}

func TestHealthPassLeavesHealthyPoolAlone(t *testing.T) {
	pool, db := newTestPool(t, false)
	ctx := context.Background()
	repo := database.NewChannelRepository(db)
	repo.Create(ctx, &models.Channel{Username: "a", Status: models.ChannelAvailable})
	repo.Create(ctx, &models.Channel{Username: "b", Status: models.ChannelAvailable})

	pool.Connect(ctx)
	if _, err := pool.Allocate(ctx); err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	pool.HealthPass(ctx)

	available, busy, _ := pool.Counts()
	if available != 1 || busy != 1 {
		t.Errorf("health pass touched a healthy pool: available=%d busy=%d", available, busy)
	}
}
