package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/profilesync/internal/network"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"github.com/jmerrifield20/profilesync/internal/profiles/repository"
	"github.com/jmerrifield20/profilesync/internal/rank"
	"go.uber.org/zap"
)

type fixture struct {
	store    *repository.MemoryStore
	rec      *Reconciler
	followee *model.Profile
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	pid := int64(1)
	followee := &model.Profile{PersonID: &pid, Network: model.NetworkFacebook, UID: "u", Token: "tok"}
	if err := store.Create(context.Background(), followee); err != nil {
		t.Fatalf("create followee: %v", err)
	}
	return &fixture{store: store, rec: New(store, zap.NewNop()), followee: followee}
}

// follower stores an existing follower profile and, when linked, its edge.
func (f *fixture) follower(t *testing.T, uid string, linked bool) *model.Profile {
	t.Helper()
	p := &model.Profile{Network: model.NetworkFacebook, UID: uid, Name: "old " + uid}
	if err := f.store.Create(context.Background(), p); err != nil {
		t.Fatalf("create follower %s: %v", uid, err)
	}
	if linked {
		if err := f.store.CreateFollow(context.Background(), &model.Follow{ProfileID: f.followee.ID, FollowerID: p.ID}); err != nil {
			t.Fatalf("create follow %s: %v", uid, err)
		}
	}
	return p
}

func (f *fixture) followerUIDs(t *testing.T) []string {
	t.Helper()
	ps, err := f.store.ListFollowers(context.Background(), f.followee.ID, repository.FollowerQuery{})
	if err != nil {
		t.Fatalf("ListFollowers: %v", err)
	}
	uids := make([]string, 0, len(ps))
	for _, p := range ps {
		uids = append(uids, p.UID)
	}
	sort.Strings(uids)
	return uids
}

func snapshot(names map[string]string) *network.Followers {
	out := &network.Followers{ByUID: make(map[string]model.Attrs)}
	for uid, name := range names {
		out.ByUID[uid] = model.Attrs{UID: model.Str(uid), Name: model.Str(name)}
	}
	return out
}

func counter() NewPersonFunc {
	var mu sync.Mutex
	next := int64(100)
	return func(context.Context) (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		next++
		return next, nil
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReconcile_AddRemoveRefresh(t *testing.T) {
	f := newFixture(t)
	f.follower(t, "A", true)
	b := f.follower(t, "B", true)

	report, err := f.rec.Reconcile(context.Background(), f.followee,
		snapshot(map[string]string{"B": "Bee", "C": "Cee"}), Options{NewPerson: counter()})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if got := f.followerUIDs(t); !equal(got, []string{"B", "C"}) {
		t.Errorf("followers = %v, want [B C]", got)
	}
	if report.Total != 2 || report.Added != 1 || report.Removed != 1 || report.Refreshed != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	refreshed, _ := f.store.GetByID(context.Background(), b.ID)
	if refreshed.Name != "Bee" {
		t.Errorf("B name = %q, want refreshed", refreshed.Name)
	}
	created, err := f.store.FindByUID(context.Background(), model.NetworkFacebook, "C")
	if err != nil {
		t.Fatalf("C profile not created: %v", err)
	}
	if created.PersonID == nil || *created.PersonID != 101 {
		t.Errorf("C person id = %v", created.PersonID)
	}
	if created.Connected() {
		t.Error("auto-created follower must not be connected")
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.follower(t, "A", true)
	ext := snapshot(map[string]string{"B": "Bee", "C": "Cee"})
	opts := Options{NewPerson: counter()}

	if _, err := f.rec.Reconcile(context.Background(), f.followee, ext, opts); err != nil {
		t.Fatalf("first: %v", err)
	}
	first := f.followerUIDs(t)

	report, err := f.rec.Reconcile(context.Background(), f.followee, ext, opts)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if report.Added != 0 || report.Removed != 0 {
		t.Errorf("second run changed edges: %+v", report)
	}
	if got := f.followerUIDs(t); !equal(got, first) {
		t.Errorf("followers changed from %v to %v", first, got)
	}
}

func TestReconcile_EmptyExternalRemovesAll(t *testing.T) {
	f := newFixture(t)
	f.follower(t, "A", true)
	f.follower(t, "B", true)

	report, err := f.rec.Reconcile(context.Background(), f.followee, snapshot(nil), Options{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Removed != 2 || len(f.followerUIDs(t)) != 0 {
		t.Errorf("expected all edges removed, report %+v", report)
	}
}

func TestReconcile_EmptyLocalAddsAll(t *testing.T) {
	f := newFixture(t)
	ext := snapshot(map[string]string{"A": "a", "B": "b", "C": "c"})

	report, err := f.rec.Reconcile(context.Background(), f.followee, ext, Options{NewPerson: counter()})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Added != 3 || len(f.followerUIDs(t)) != 3 {
		t.Errorf("expected 3 edges, report %+v", report)
	}
}

func TestReconcile_PartialRemovesByDefault(t *testing.T) {
	f := newFixture(t)
	f.follower(t, "A", true)
	ext := snapshot(map[string]string{"B": "b"})
	ext.Partial = true

	report, err := f.rec.Reconcile(context.Background(), f.followee, ext, Options{NewPerson: counter()})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.RemovalSkipped || report.Removed != 1 {
		t.Errorf("expected A removed: %+v", report)
	}
	if got := f.followerUIDs(t); !equal(got, []string{"B"}) {
		t.Errorf("followers = %v", got)
	}
}

func TestReconcile_KeepOnPartial(t *testing.T) {
	tests := []struct {
		name    string
		partial bool
		want    []string
	}{
		{"partial fetch keeps missing follower", true, []string{"A", "B"}},
		{"complete fetch removes missing follower", false, []string{"B"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.follower(t, "A", true)
			ext := snapshot(map[string]string{"B": "b"})
			ext.Partial = tt.partial

			report, err := f.rec.Reconcile(context.Background(), f.followee, ext, Options{NewPerson: counter(), KeepOnPartial: true})
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if report.RemovalSkipped != tt.partial {
				t.Errorf("RemovalSkipped = %v, want %v", report.RemovalSkipped, tt.partial)
			}
			if got := f.followerUIDs(t); !equal(got, tt.want) {
				t.Errorf("followers = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReconcile_UnresolvedWithoutFactory(t *testing.T) {
	f := newFixture(t)
	f.follower(t, "known", false)
	ext := snapshot(map[string]string{"known": "k", "stranger": "s"})

	report, err := f.rec.Reconcile(context.Background(), f.followee, ext, Options{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Unresolved != 1 || report.Added != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if got := f.followerUIDs(t); !equal(got, []string{"known"}) {
		t.Errorf("followers = %v", got)
	}
}

func TestReconcile_FactoryFailureIsUnresolved(t *testing.T) {
	f := newFixture(t)
	failing := func(context.Context) (int64, error) { return 0, errors.New("sequence down") }

	report, err := f.rec.Reconcile(context.Background(), f.followee,
		snapshot(map[string]string{"x": "x"}), Options{NewPerson: failing})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Unresolved != 1 || report.Added != 0 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestReconcile_NotConnected(t *testing.T) {
	f := newFixture(t)
	f.followee.Token = ""

	_, err := f.rec.Reconcile(context.Background(), f.followee, snapshot(nil), Options{})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestReconcile_ExpiryMergeOnRefresh(t *testing.T) {
	f := newFixture(t)
	later := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	earlier := later.Add(-24 * time.Hour)

	p := f.follower(t, "A", true)
	p.OAuthExpiry = &later
	if err := f.store.Update(context.Background(), p); err != nil {
		t.Fatalf("Update: %v", err)
	}

	ext := &network.Followers{ByUID: map[string]model.Attrs{
		"A": {UID: model.Str("A"), OAuthExpiry: model.Time(earlier)},
	}}
	if _, err := f.rec.Reconcile(context.Background(), f.followee, ext, Options{}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got, _ := f.store.GetByID(context.Background(), p.ID)
	if got.OAuthExpiry == nil || !got.OAuthExpiry.Equal(later) {
		t.Errorf("expiry = %v, want stored %v kept", got.OAuthExpiry, later)
	}
}

func TestReconcile_RanksNewEdges(t *testing.T) {
	f := newFixture(t)
	ranker := func(_ context.Context, follower *model.Profile) (rank.FollowRank, error) {
		if follower.UID == "bad" {
			return nil, rank.ErrNotImplemented
		}
		return &rank.FacebookRank{Total: 7}, nil
	}

	_, err := f.rec.Reconcile(context.Background(), f.followee,
		snapshot(map[string]string{"good": "g", "bad": "b"}), Options{NewPerson: counter(), Rank: ranker})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	for uid, want := range map[string]float64{"good": 7, "bad": 0} {
		p, _ := f.store.FindByUID(context.Background(), model.NetworkFacebook, uid)
		follow, err := f.store.GetFollow(context.Background(), f.followee.ID, p.ID)
		if err != nil {
			t.Fatalf("GetFollow %s: %v", uid, err)
		}
		if follow.RankValue() != want {
			t.Errorf("%s rank = %v, want %v", uid, follow.RankValue(), want)
		}
	}
}

type flakyStore struct {
	*repository.MemoryStore
	failUID string
}

func (s *flakyStore) CreateFollow(ctx context.Context, f *model.Follow) error {
	p, err := s.GetByID(ctx, f.FollowerID)
	if err == nil && p.UID == s.failUID {
		return errors.New("connection reset")
	}
	return s.MemoryStore.CreateFollow(ctx, f)
}

func TestReconcile_EdgeFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{MemoryStore: f.store, failUID: "B"}
	rec := New(store, zap.NewNop())

	report, err := rec.Reconcile(context.Background(), f.followee,
		snapshot(map[string]string{"A": "a", "B": "b", "C": "c"}), Options{NewPerson: counter()})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Failed != 1 || report.Added != 2 {
		t.Errorf("unexpected report %+v", report)
	}
	if got := f.followerUIDs(t); !equal(got, []string{"A", "C"}) {
		t.Errorf("followers = %v", got)
	}
}
