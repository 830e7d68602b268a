//go:build integration

package repository_test

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/profilesync/internal/credentials"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"github.com/jmerrifield20/profilesync/internal/profiles/repository"
	"github.com/jmerrifield20/profilesync/internal/rank"
)

func setupPostgres(t *testing.T) *repository.PostgresStore {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	t.Cleanup(db.Close)
	if _, err := db.Exec(ctx, `TRUNCATE profiles CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	sealer, err := credentials.NewSealer(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatal(err)
	}
	return repository.NewPostgresStore(db, sealer)
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	s := setupPostgres(t)

	me := mustCreate(t, s, &model.Profile{Network: model.NetworkTwitter, UID: "1", Token: "tok", Secret: "sec", PersonID: person(1)})
	got, err := s.FindForPerson(ctx, 1, model.NetworkTwitter)
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != "tok" || got.Secret != "sec" || !got.Connected() {
		t.Errorf("credentials should round trip: %+v", got)
	}

	follower := mustCreate(t, s, &model.Profile{Network: model.NetworkTwitter, UID: "2"})
	f := &model.Follow{ProfileID: me.ID, FollowerID: follower.ID, Rank: &rank.FacebookRank{Total: 3}}
	if err := s.CreateFollow(ctx, f); err != nil {
		t.Fatalf("CreateFollow: %v", err)
	}
	stored, err := s.GetFollow(ctx, me.ID, follower.ID)
	if err != nil {
		t.Fatalf("GetFollow: %v", err)
	}
	if stored.RankValue() != 3 {
		t.Errorf("rank should round trip, got %v", stored.RankValue())
	}
	if err := s.CreateFollow(ctx, &model.Follow{ProfileID: me.ID, FollowerID: follower.ID}); !errors.Is(err, repository.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	if err := s.Delete(ctx, follower.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountFollowers(ctx, me.ID); n != 0 {
		t.Errorf("follow should cascade, got %d", n)
	}
}
