package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/profilesync/internal/jobs"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"github.com/jmerrifield20/profilesync/internal/profiles/repository"
	"github.com/jmerrifield20/profilesync/internal/rank"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────────

type stubRanker struct {
	tags map[string]int
	err  error
}

func (r *stubRanker) RankFollow(_ context.Context, followee, follower *model.Profile) (rank.FollowRank, error) {
	if r.err != nil {
		return nil, r.err
	}
	var photos []rank.Photo
	for i := 0; i < r.tags[follower.UID]; i++ {
		photos = append(photos, rank.Photo{ID: fmt.Sprint(i), TagUIDs: []string{follower.UID}})
	}
	f := rank.Followee{UID: followee.UID, Network: string(followee.Network), Photos: photos}
	return rank.NewEngine(rank.DefaultConfig()).Compute(f, follower.UID)
}

type stubEnqueuer struct {
	mu    sync.Mutex
	tasks []jobs.Task
}

func (e *stubEnqueuer) Enqueue(_ context.Context, t jobs.Task) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, t)
	return true, nil
}

func newService() (*ProfileService, *repository.MemoryStore) {
	store := repository.NewMemoryStore()
	return NewProfileService(store, zap.NewNop()), store
}

func mustCreate(t *testing.T, store *repository.MemoryStore, p *model.Profile) *model.Profile {
	t.Helper()
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("create %s: %v", p.UID, err)
	}
	return p
}

func person(n int64) *int64 { return &n }

// ── Connect ──────────────────────────────────────────────────────────────────

func TestConnect_CreateThenMerge(t *testing.T) {
	svc, _ := newService()
	tasks := &stubEnqueuer{}
	svc.SetEnqueuer(tasks)
	ctx := context.Background()

	later := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	earlier := later.AddDate(0, -1, 0)

	p, created, err := svc.Connect(ctx, ConnectRequest{
		PersonID: person(7),
		Network:  "facebook",
		UID:      "100",
		ProfileFields: ProfileFields{
			Token:       "tok-1",
			Scope:       "email,publish_stream",
			OAuthExpiry: &later,
			Name:        "Jo",
		},
	})
	if err != nil || !created {
		t.Fatalf("Connect = %v, %v", created, err)
	}

	p2, created, err := svc.Connect(ctx, ConnectRequest{
		PersonID: person(7),
		Network:  "facebook",
		UID:      "100",
		ProfileFields: ProfileFields{
			Token:       "tok-2",
			Scope:       "offline_access,email",
			OAuthExpiry: &earlier,
		},
	})
	if err != nil || created {
		t.Fatalf("reconnect = %v, %v", created, err)
	}
	if p2.ID != p.ID {
		t.Fatalf("reconnect created a new profile")
	}
	if p2.Token != "tok-2" {
		t.Errorf("token = %q, want tok-2", p2.Token)
	}
	if p2.Scope != "email,offline_access,publish_stream" {
		t.Errorf("scope = %q, want merged union", p2.Scope)
	}
	if !p2.OAuthExpiry.Equal(later) {
		t.Errorf("oauth_expiry = %v, want the later expiry kept", p2.OAuthExpiry)
	}
	if p2.Name != "Jo" {
		t.Errorf("name = %q, want kept", p2.Name)
	}
	if len(tasks.tasks) != 2 || tasks.tasks[0].Kind != jobs.KindSync || tasks.tasks[0].ProfileID != p.ID {
		t.Errorf("enqueued = %+v, want a sync per connect", tasks.tasks)
	}
}

func TestConnect_Rejects(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	if _, _, err := svc.Connect(ctx, ConnectRequest{Network: "myspace", UID: "1"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown network err = %v", err)
	}
	if _, _, err := svc.Connect(ctx, ConnectRequest{Network: "twitter", UID: " "}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank uid err = %v", err)
	}
	if _, _, err := svc.Connect(ctx, ConnectRequest{Network: "twitter", UID: "1", Type: "group"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad type err = %v", err)
	}

	if _, _, err := svc.Connect(ctx, ConnectRequest{PersonID: person(1), Network: "twitter", UID: "1"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, _, err := svc.Connect(ctx, ConnectRequest{PersonID: person(2), Network: "twitter", UID: "1"}); !errors.Is(err, ErrOwnedByOtherPerson) {
		t.Errorf("other person err = %v, want ErrOwnedByOtherPerson", err)
	}
}

func TestConnect_Page(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	if _, _, err := svc.Connect(ctx, ConnectRequest{PersonID: person(3), Network: "facebook", UID: "me"}); err != nil {
		t.Fatalf("personal: %v", err)
	}
	page, created, err := svc.Connect(ctx, ConnectRequest{PersonID: person(3), Network: "facebook", UID: "page-1", Type: model.ProfileTypePage})
	if err != nil || !created {
		t.Fatalf("page = %v, %v", created, err)
	}
	again, created, err := svc.Connect(ctx, ConnectRequest{PersonID: person(3), Network: "facebook", UID: "page-1", Type: model.ProfileTypePage, ProfileFields: ProfileFields{Token: "t"}})
	if err != nil || created || again.ID != page.ID {
		t.Errorf("page reconnect = %v, %v, same id %v", created, err, again != nil && again.ID == page.ID)
	}
}

// ── Profiles ─────────────────────────────────────────────────────────────────

func TestGet_ConnectionCount(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	p := mustCreate(t, store, &model.Profile{Network: model.NetworkTwitter, UID: "p"})
	for _, uid := range []string{"a", "b"} {
		f := mustCreate(t, store, &model.Profile{Network: model.NetworkTwitter, UID: uid})
		if err := store.CreateFollow(ctx, &model.Follow{ProfileID: p.ID, FollowerID: f.ID}); err != nil {
			t.Fatalf("follow: %v", err)
		}
	}

	v, err := svc.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.ConnectionCount != 2 {
		t.Errorf("connection_count = %d, want local count 2", v.ConnectionCount)
	}

	p.APIFollowsCount = 500
	if err := store.Update(ctx, p); err != nil {
		t.Fatalf("Update: %v", err)
	}
	v, _ = svc.Get(ctx, p.ID)
	if v.ConnectionCount != 500 {
		t.Errorf("connection_count = %d, want api count 500", v.ConnectionCount)
	}
}

func TestGetOnboarded_CountsSyncedFollowers(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	p := mustCreate(t, store, &model.Profile{Network: model.NetworkFacebook, UID: "p", APIFollowsCount: 900})
	synced := time.Now().UTC()
	for _, f := range []*model.Profile{
		{Network: model.NetworkFacebook, UID: "a", SyncedAt: &synced},
		{Network: model.NetworkFacebook, UID: "b"},
	} {
		mustCreate(t, store, f)
		if err := store.CreateFollow(ctx, &model.Follow{ProfileID: p.ID, FollowerID: f.ID}); err != nil {
			t.Fatalf("follow: %v", err)
		}
	}

	v, err := svc.GetOnboarded(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetOnboarded: %v", err)
	}
	if v.ConnectionCount != 1 {
		t.Errorf("connection_count = %d, want 1 onboarded follower", v.ConnectionCount)
	}
}

func TestInviting(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	inviter := mustCreate(t, store, &model.Profile{Network: model.NetworkFacebook, UID: "inviter"})
	invitee := mustCreate(t, store, &model.Profile{Network: model.NetworkFacebook, UID: "invitee"})
	if _, _, err := svc.PutInvite(ctx, invitee.ID, inviter.ID); err != nil {
		t.Fatalf("PutInvite: %v", err)
	}

	got, err := svc.Inviting(ctx, inviter.ID)
	if err != nil {
		t.Fatalf("Inviting: %v", err)
	}
	if len(got) != 1 || got[0].ID != invitee.ID {
		t.Errorf("Inviting = %v", got)
	}
	if _, err := svc.Inviting(ctx, uuid.New()); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("unknown profile: err = %v, want ErrNotFound", err)
	}
}

func TestUnregister(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	p := mustCreate(t, store, &model.Profile{PersonID: person(4), Network: model.NetworkTumblr, UID: "blog", Name: "Blog", Email: "b@example.com", Token: "t", Secret: "s"})
	mustCreate(t, store, &model.Profile{PersonID: person(4), Network: model.NetworkTwitter, UID: "tw", Token: "t", Secret: "s"})

	got, err := svc.Unregister(ctx, p.ID)
	if err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if got.Token != "" || got.Email != "" || got.Name != "Blog" || got.UID != "blog" {
		t.Errorf("unregistered profile = %+v", got)
	}

	n, err := svc.UnregisterPerson(ctx, 4)
	if err != nil || n != 2 {
		t.Fatalf("UnregisterPerson = %d, %v", n, err)
	}
	owned, _ := svc.ListForPerson(ctx, 4)
	for _, p := range owned {
		if p.Connected() {
			t.Errorf("%s still connected", p.UID)
		}
	}
}

func TestEnqueue_NoDispatcher(t *testing.T) {
	svc, store := newService()
	p := mustCreate(t, store, &model.Profile{Network: model.NetworkTwitter, UID: "x"})
	if _, err := svc.Enqueue(context.Background(), p.ID, jobs.KindSync); !errors.Is(err, ErrNoDispatcher) {
		t.Errorf("err = %v, want ErrNoDispatcher", err)
	}
}

// ── Follows ──────────────────────────────────────────────────────────────────

func TestPutFollow(t *testing.T) {
	svc, store := newService()
	svc.SetRanker(&stubRanker{tags: map[string]int{"fan": 4}})
	ctx := context.Background()
	followee := mustCreate(t, store, &model.Profile{Network: model.NetworkFacebook, UID: "star", Token: "t"})
	fan := mustCreate(t, store, &model.Profile{Network: model.NetworkFacebook, UID: "fan"})
	other := mustCreate(t, store, &model.Profile{Network: model.NetworkTwitter, UID: "tw"})

	f, created, err := svc.PutFollow(ctx, followee.ID, fan.ID, PutFollowRequest{})
	if err != nil || !created {
		t.Fatalf("PutFollow = %v, %v", created, err)
	}
	if f.Rank != nil {
		t.Errorf("rank = %v, want unranked", f.Rank)
	}

	f, created, err = svc.PutFollow(ctx, followee.ID, fan.ID, PutFollowRequest{Compute: true})
	if err != nil || created {
		t.Fatalf("PutFollow compute = %v, %v", created, err)
	}
	stored, _ := store.GetFollow(ctx, followee.ID, fan.ID)
	if stored.RankValue() != 4 {
		t.Errorf("rank value = %v, want 4", stored.RankValue())
	}

	params := f.Rank.Params()
	params["value"] = 9.0
	if _, _, err := svc.PutFollow(ctx, followee.ID, fan.ID, PutFollowRequest{Params: params}); err != nil {
		t.Fatalf("PutFollow params: %v", err)
	}

	if _, _, err := svc.PutFollow(ctx, followee.ID, fan.ID, PutFollowRequest{Params: rank.Params{"network": "myspace"}}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad params err = %v, want ErrInvalidInput", err)
	}
	if _, _, err := svc.PutFollow(ctx, followee.ID, other.ID, PutFollowRequest{}); !errors.Is(err, ErrNetworkMismatch) {
		t.Errorf("cross network err = %v, want ErrNetworkMismatch", err)
	}
	if _, _, err := svc.PutFollow(ctx, followee.ID, followee.ID, PutFollowRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("self follow err = %v, want ErrInvalidInput", err)
	}
}

func TestPutFollow_RankFailureLeavesEdgeUnranked(t *testing.T) {
	svc, store := newService()
	svc.SetRanker(&stubRanker{err: rank.ErrNotImplemented})
	ctx := context.Background()
	followee := mustCreate(t, store, &model.Profile{Network: model.NetworkTumblr, UID: "blog"})
	fan := mustCreate(t, store, &model.Profile{Network: model.NetworkTumblr, UID: "fan"})

	f, created, err := svc.PutFollow(ctx, followee.ID, fan.ID, PutFollowRequest{Compute: true})
	if err != nil || !created || f.Rank != nil {
		t.Errorf("PutFollow = %+v, %v, %v", f, created, err)
	}
}

// ── Invites ──────────────────────────────────────────────────────────────────

func TestInvites(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	invitee := mustCreate(t, store, &model.Profile{Network: model.NetworkFacebook, UID: "invitee"})
	inviter1 := mustCreate(t, store, &model.Profile{Network: model.NetworkFacebook, UID: "inviter1"})
	inviter2 := mustCreate(t, store, &model.Profile{Network: model.NetworkFacebook, UID: "inviter2"})
	followee := mustCreate(t, store, &model.Profile{Network: model.NetworkFacebook, UID: "followee"})

	first, created, err := svc.PutInvite(ctx, invitee.ID, inviter1.ID)
	if err != nil || !created {
		t.Fatalf("PutInvite = %v, %v", created, err)
	}
	again, created, err := svc.PutInvite(ctx, invitee.ID, inviter1.ID)
	if err != nil || created || again.ID != first.ID {
		t.Errorf("repeat PutInvite = %v, %v", created, err)
	}
	if _, _, err := svc.PutInvite(ctx, invitee.ID, inviter2.ID); err != nil {
		t.Fatalf("PutInvite: %v", err)
	}
	if err := store.CreateFollow(ctx, &model.Follow{ProfileID: followee.ID, FollowerID: inviter1.ID}); err != nil {
		t.Fatalf("follow: %v", err)
	}

	inviters, err := svc.Inviters(ctx, invitee.ID)
	if err != nil || len(inviters) != 2 {
		t.Fatalf("Inviters = %d, %v", len(inviters), err)
	}
	following, err := svc.InvitersFollowing(ctx, invitee.ID, followee.ID)
	if err != nil || len(following) != 1 || following[0].ID != inviter1.ID {
		t.Errorf("InvitersFollowing = %v, %v", following, err)
	}

	if err := svc.DeleteInvite(ctx, invitee.ID, inviter1.ID); err != nil {
		t.Fatalf("DeleteInvite: %v", err)
	}
	if _, err := svc.GetInvite(ctx, invitee.ID, inviter1.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("GetInvite after delete = %v", err)
	}
}

func TestUninvitedFollowers(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	p := mustCreate(t, store, &model.Profile{Network: model.NetworkFacebook, UID: "me"})
	names := []string{"Tango", "Cash", "Trixie", "Bo", "Otto"}
	followers := make(map[string]*model.Profile)
	for i, name := range names {
		f := mustCreate(t, store, &model.Profile{Network: model.NetworkFacebook, UID: fmt.Sprint("f", i), Name: name})
		followers[name] = f
		if err := store.CreateFollow(ctx, &model.Follow{ProfileID: p.ID, FollowerID: f.ID}); err != nil {
			t.Fatalf("follow: %v", err)
		}
	}
	for _, name := range []string{"Cash", "Bo"} {
		if _, _, err := svc.PutInvite(ctx, followers[name].ID, p.ID); err != nil {
			t.Fatalf("invite: %v", err)
		}
	}

	all, err := svc.UninvitedFollowers(ctx, p.ID, UninvitedQuery{})
	if err != nil {
		t.Fatalf("UninvitedFollowers: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("uninvited = %d, want 3", len(all))
	}
	for _, f := range all {
		if f.Name == "Cash" || f.Name == "Bo" {
			t.Errorf("invited follower %s returned", f.Name)
		}
	}

	named, _ := svc.UninvitedFollowers(ctx, p.ID, UninvitedQuery{Name: "t"})
	if len(named) != 3 {
		t.Errorf("name filter t = %d, want Tango, Trixie and Otto", len(named))
	}
	named, _ = svc.UninvitedFollowers(ctx, p.ID, UninvitedQuery{Name: "TAN"})
	if len(named) != 1 || named[0].Name != "Tango" {
		t.Errorf("name filter TAN = %v", named)
	}

	offset, _ := svc.UninvitedFollowers(ctx, p.ID, UninvitedQuery{Offset: 2})
	if len(offset) != 1 {
		t.Errorf("offset 2 = %d, want 1", len(offset))
	}
	beyond, _ := svc.UninvitedFollowers(ctx, p.ID, UninvitedQuery{Offset: 10})
	if len(beyond) != 0 {
		t.Errorf("offset past end = %d, want 0", len(beyond))
	}

	random, _ := svc.UninvitedFollowers(ctx, p.ID, UninvitedQuery{Random: true, Limit: 2})
	if len(random) != 2 {
		t.Errorf("random limit 2 = %d", len(random))
	}
	more, _ := svc.UninvitedFollowers(ctx, p.ID, UninvitedQuery{Random: true, Limit: 10})
	if len(more) != 3 {
		t.Errorf("random beyond available = %d, want 3 without duplicates", len(more))
	}

	if _, err := svc.UninvitedFollowers(ctx, followers["Cash"].ID, UninvitedQuery{}); err != nil {
		t.Errorf("profile without followers: %v", err)
	}
}
