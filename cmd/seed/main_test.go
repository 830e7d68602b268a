package main

import (
	"context"
	"io"
	"testing"

	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"github.com/jmerrifield20/profilesync/internal/profiles/repository"
	"github.com/jmerrifield20/profilesync/internal/rank"
)

func TestSeed_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	engine := rank.NewEngine(rank.DefaultConfig())

	first, err := seed(ctx, store, engine, io.Discard)
	if err != nil {
		t.Fatalf("first seed: %v", err)
	}
	want := summary{profiles: 9, follows: 8, invites: 1, ranked: 6}
	if first != want {
		t.Errorf("first = %+v, want %+v", first, want)
	}

	second, err := seed(ctx, store, engine, io.Discard)
	if err != nil {
		t.Fatalf("second seed: %v", err)
	}
	want = summary{ranked: 6}
	if second != want {
		t.Errorf("second = %+v, want %+v", second, want)
	}
}

func TestSeed_RanksAliceFollowers(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	if _, err := seed(ctx, store, rank.NewEngine(rank.DefaultConfig()), io.Discard); err != nil {
		t.Fatal(err)
	}

	alice, err := store.FindByUID(ctx, model.NetworkFacebook, "100001")
	if err != nil {
		t.Fatal(err)
	}
	if !alice.Connected() || alice.PersonID == nil || *alice.PersonID != 1 {
		t.Errorf("alice = %+v, want connected profile of person 1", alice)
	}

	followers, err := store.ListFollowers(ctx, alice.ID, repository.FollowerQuery{ByRank: true})
	if err != nil {
		t.Fatal(err)
	}
	wantOrder := []string{"200002", "200001", "200003", "100002", "200004"}
	if len(followers) != len(wantOrder) {
		t.Fatalf("got %d followers, want %d", len(followers), len(wantOrder))
	}
	for i, uid := range wantOrder {
		if followers[i].UID != uid {
			t.Errorf("follower[%d] = %s, want %s", i, followers[i].UID, uid)
		}
	}

	eli := followers[0]
	f, err := store.GetFollow(ctx, alice.ID, eli.ID)
	if err != nil {
		t.Fatal(err)
	}
	if f.RankValue() != 5 {
		t.Errorf("eli rank = %g, want 5", f.RankValue())
	}

	gus := followers[4]
	if _, err := store.GetInvite(ctx, gus.ID, alice.ID); err != nil {
		t.Errorf("expected alice to have invited gus: %v", err)
	}
}

func TestSeed_TwitterFollowsUnranked(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	if _, err := seed(ctx, store, rank.NewEngine(rank.DefaultConfig()), io.Discard); err != nil {
		t.Fatal(err)
	}

	alice, err := store.FindByUID(ctx, model.NetworkTwitter, "alicechen")
	if err != nil {
		t.Fatal(err)
	}
	dana, err := store.FindByUID(ctx, model.NetworkTwitter, "danapark_")
	if err != nil {
		t.Fatal(err)
	}
	f, err := store.GetFollow(ctx, alice.ID, dana.ID)
	if err != nil {
		t.Fatal(err)
	}
	if f.Rank != nil {
		t.Errorf("twitter follow ranked: %+v", f.Rank.Params())
	}
}
