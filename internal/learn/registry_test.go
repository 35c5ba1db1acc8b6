package learn

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/glane/dbopen"
	"github.com/hazyhaar/glane/internal/store"
	"github.com/hazyhaar/glane/strategy"
	"github.com/hazyhaar/glane/vtq"
	_ "modernc.org/sqlite"
)

func testRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := &store.Store{DB: db}
	q := vtq.New(db, vtq.Options{Queue: "outcomes"})
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	return New(st, q, Config{}), st
}

func productName() strategy.Context {
	return strategy.Context{SiteTemplate: "shop.example.com/items/{id}", Field: strategy.FieldName}
}

func TestRegisterSeedsIdempotent(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	sctx := productName()

	seeds := []strategy.Strategy{
		{Kind: strategy.KindCSS, Selector: "h1.title"},
		{Kind: strategy.KindAttr, Selector: "meta[property='og:title']", Attr: "content"},
	}
	for j := 0; j < 3; j++ {
		if err := r.RegisterSeeds(ctx, sctx, seeds); err != nil {
			t.Fatalf("RegisterSeeds: %v", err)
		}
	}

	got, err := r.RankedCandidates(ctx, sctx, 0)
	if err != nil {
		t.Fatalf("RankedCandidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates after repeated registration, got %d", len(got))
	}
}

func TestRecordOutcomeUpdatesRanking(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	sctx := productName()

	weak := strategy.Strategy{Kind: strategy.KindCSS, Selector: ".old-title"}
	strong := strategy.Strategy{Kind: strategy.KindCSS, Selector: "h1.title"}
	if err := r.RegisterSeeds(ctx, sctx, []strategy.Strategy{weak, strong}); err != nil {
		t.Fatalf("RegisterSeeds: %v", err)
	}

	for j := 0; j < 4; j++ {
		r.RecordOutcome(ctx, &strategy.Candidate{Context: sctx, Strategy: strong, Tier: strategy.TierSeed}, true, "")
		r.RecordOutcome(ctx, &strategy.Candidate{Context: sctx, Strategy: weak, Tier: strategy.TierSeed}, false, strategy.ClassNotFound)
	}

	got, err := r.RankedCandidates(ctx, sctx, 0)
	if err != nil {
		t.Fatalf("RankedCandidates: %v", err)
	}
	if got[0].Strategy.Fingerprint() != strong.Fingerprint() {
		t.Fatalf("expected winning selector ranked first, got %s", got[0].Strategy)
	}
	if got[0].SuccessCount != 4 || got[0].FailureCount != 0 {
		t.Fatalf("counters = %d/%d, want 4/0", got[0].SuccessCount, got[0].FailureCount)
	}
	if got[1].FailureCount != 4 {
		t.Fatalf("losing candidate failures = %d, want 4", got[1].FailureCount)
	}
}

func TestRecordOutcomeDegradedQueuesForReplay(t *testing.T) {
	ctx := context.Background()

	// Store and queue live on separate databases so we can break the
	// store while the queue stays reachable.
	goodDB := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	brokenDB := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	if err := brokenDB.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	q := vtq.New(goodDB, vtq.Options{Queue: "outcomes"})
	if err := q.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	sctx := productName()
	sel := strategy.Strategy{Kind: strategy.KindCSS, Selector: "h1.title"}

	degraded := New(&store.Store{DB: brokenDB}, q, Config{})
	degraded.RecordOutcome(ctx, &strategy.Candidate{Context: sctx, Strategy: sel, Tier: strategy.TierSeed}, true, "")

	if n, err := q.Len(ctx); err != nil || n != 1 {
		t.Fatalf("queue length = %d (%v), want 1", n, err)
	}

	// A healthy registry sharing the queue replays the outcome.
	healthy := New(&store.Store{DB: goodDB}, q, Config{})
	replayed, err := healthy.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if replayed != 1 {
		t.Fatalf("replayed = %d, want 1", replayed)
	}

	got, err := healthy.RankedCandidates(ctx, sctx, 0)
	if err != nil {
		t.Fatalf("RankedCandidates: %v", err)
	}
	if len(got) != 1 || got[0].SuccessCount != 1 {
		t.Fatalf("expected one candidate with one success after replay, got %+v", got)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("queue should be empty after flush, has %d", n)
	}
}

func TestFlushEmptyQueue(t *testing.T) {
	r, _ := testRegistry(t)
	replayed, err := r.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if replayed != 0 {
		t.Fatalf("replayed = %d, want 0", replayed)
	}
}

// backdate rewrites a candidate's activity timestamps so retention and
// prune policies can be exercised without waiting.
func backdate(t *testing.T, st *store.Store, fingerprint string, last time.Time) {
	t.Helper()
	ms := last.UnixMilli()
	_, err := st.DB.Exec(
		`UPDATE candidates SET discovered_at = ?, last_success = ?, last_failure = ? WHERE fingerprint = ?`,
		ms, ms, ms, fingerprint)
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestPrunePolicies(t *testing.T) {
	r, st := testRegistry(t)
	ctx := context.Background()
	sctx := productName()

	fresh := strategy.Strategy{Kind: strategy.KindCSS, Selector: ".fresh"}
	untried := strategy.Strategy{Kind: strategy.KindCSS, Selector: ".untried"}
	pinned := strategy.Strategy{Kind: strategy.KindCSS, Selector: ".pinned"}
	doomed := strategy.Strategy{Kind: strategy.KindCSS, Selector: ".doomed"}
	thin := strategy.Strategy{Kind: strategy.KindCSS, Selector: ".thin"}

	if err := r.RegisterSeeds(ctx, sctx, []strategy.Strategy{fresh, untried, pinned, doomed, thin}); err != nil {
		t.Fatalf("RegisterSeeds: %v", err)
	}

	record := func(s strategy.Strategy, success bool, n int) {
		for j := 0; j < n; j++ {
			c := &strategy.Candidate{Context: sctx, Strategy: s, Tier: strategy.TierSeed}
			r.RecordOutcome(ctx, c, success, strategy.ClassNotFound)
		}
	}
	record(fresh, false, 12)
	record(pinned, false, 12)
	record(doomed, false, 12)
	record(thin, false, 3) // under the sample floor

	// pinned and doomed are both stale losers; only pinned survives.
	stale := time.Now().Add(-14 * 24 * time.Hour)
	backdate(t, st, pinned.Fingerprint(), stale)
	backdate(t, st, doomed.Fingerprint(), stale)
	backdate(t, st, thin.Fingerprint(), stale)

	all, _ := st.ListCandidates(ctx, sctx.Key())
	for _, c := range all {
		if c.Strategy.Fingerprint() == pinned.Fingerprint() {
			if err := st.SetHighPriority(ctx, c.ID, true); err != nil {
				t.Fatalf("SetHighPriority: %v", err)
			}
		}
	}

	removed, err := r.Prune(ctx, sctx.Key())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	left, err := st.ListCandidates(ctx, sctx.Key())
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	for _, c := range left {
		if c.Strategy.Fingerprint() == doomed.Fingerprint() {
			t.Fatalf("stale failing candidate survived prune")
		}
	}
	if len(left) != 4 {
		t.Fatalf("expected 4 survivors, got %d", len(left))
	}
}

func TestPromoteFlagsWinners(t *testing.T) {
	r, st := testRegistry(t)
	ctx := context.Background()
	sctx := productName()

	winner := strategy.Strategy{Kind: strategy.KindCSS, Selector: ".winner"}
	if err := r.RegisterDiscovered(ctx, sctx, []strategy.Strategy{winner}); err != nil {
		t.Fatalf("RegisterDiscovered: %v", err)
	}

	for j := 0; j < 5; j++ {
		r.RecordOutcome(ctx, &strategy.Candidate{Context: sctx, Strategy: winner, Tier: strategy.TierDiscovered}, true, "")
	}
	r.RecordOutcome(ctx, &strategy.Candidate{Context: sctx, Strategy: winner, Tier: strategy.TierDiscovered}, false, strategy.ClassTimeout)

	promoted, err := r.Promote(ctx, sctx.Key())
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("promoted = %d, want 1", promoted)
	}

	got, _ := st.ListCandidates(ctx, sctx.Key())
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if !got[0].HighPriority {
		t.Fatalf("5-of-6 winner not flagged high priority")
	}
	if got[0].Tier != strategy.TierLearned {
		t.Fatalf("tier = %s, want learned", got[0].Tier)
	}
}

func TestRetireExpired(t *testing.T) {
	r, st := testRegistry(t)
	ctx := context.Background()
	sctx := productName()

	ancient := strategy.Strategy{Kind: strategy.KindCSS, Selector: ".ancient"}
	veteran := strategy.Strategy{Kind: strategy.KindCSS, Selector: ".veteran"}
	if err := r.RegisterSeeds(ctx, sctx, []strategy.Strategy{ancient, veteran}); err != nil {
		t.Fatalf("RegisterSeeds: %v", err)
	}

	for j := 0; j < 4; j++ {
		r.RecordOutcome(ctx, &strategy.Candidate{Context: sctx, Strategy: ancient, Tier: strategy.TierSeed}, false, strategy.ClassNotFound)
		r.RecordOutcome(ctx, &strategy.Candidate{Context: sctx, Strategy: veteran, Tier: strategy.TierSeed}, true, "")
	}

	horizon := time.Now().Add(-120 * 24 * time.Hour)
	backdate(t, st, ancient.Fingerprint(), horizon)
	backdate(t, st, veteran.Fingerprint(), horizon)

	removed, err := r.RetireExpired(ctx, sctx.Key())
	if err != nil {
		t.Fatalf("RetireExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1 (high-value history is kept)", removed)
	}

	left, _ := st.ListCandidates(ctx, sctx.Key())
	if len(left) != 1 || left[0].Strategy.Fingerprint() != veteran.Fingerprint() {
		t.Fatalf("expected only the high-value veteran to survive, got %v", left)
	}
}
