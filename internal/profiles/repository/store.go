// Package repository persists profiles, follow edges and invites.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
)

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a write would violate a uniqueness rule.
var ErrDuplicate = errors.New("already exists")

// FollowerQuery controls ListFollowers.
type FollowerQuery struct {
	// ByRank orders followers by descending rank value, unranked last.
	ByRank bool
	// FollowerIDs restricts the result to these follower profiles.
	FollowerIDs []uuid.UUID
	// OnboardedOnly keeps followers that have been synced at least once.
	OnboardedOnly bool
	Limit         int
	Offset        int
}

// Store is implemented by PostgresStore and MemoryStore.
type Store interface {
	Create(ctx context.Context, p *model.Profile) error
	Update(ctx context.Context, p *model.Profile) error
	Delete(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Profile, error)
	FindByUID(ctx context.Context, network model.Network, uid string) (*model.Profile, error)
	FindForPerson(ctx context.Context, personID int64, network model.Network) (*model.Profile, error)
	ListForPerson(ctx context.Context, personID int64) ([]*model.Profile, error)
	ListExpiring(ctx context.Context, network model.Network, before time.Time, limit int) ([]*model.Profile, error)
	ListStale(ctx context.Context, syncedBefore time.Time, limit int) ([]*model.Profile, error)
	NextPersonID(ctx context.Context) (int64, error)

	CreateFollow(ctx context.Context, f *model.Follow) error
	UpdateFollowRank(ctx context.Context, f *model.Follow) error
	GetFollow(ctx context.Context, profileID, followerID uuid.UUID) (*model.Follow, error)
	FollowExists(ctx context.Context, profileID, followerID uuid.UUID) (bool, error)
	DeleteFollow(ctx context.Context, profileID, followerID uuid.UUID) error
	ListFollowers(ctx context.Context, profileID uuid.UUID, q FollowerQuery) ([]*model.Profile, error)
	ListFollowing(ctx context.Context, followerID uuid.UUID) ([]*model.Profile, error)
	CountFollowers(ctx context.Context, profileID uuid.UUID) (int, error)
	CountOnboardedFollowers(ctx context.Context, profileID uuid.UUID) (int, error)

	CreateInvite(ctx context.Context, inv *model.Invite) error
	GetInvite(ctx context.Context, inviteeID, inviterID uuid.UUID) (*model.Invite, error)
	DeleteInvite(ctx context.Context, inviteeID, inviterID uuid.UUID) error
	ListInviters(ctx context.Context, inviteeID uuid.UUID) ([]*model.Profile, error)
	ListInvitees(ctx context.Context, inviterID uuid.UUID) ([]*model.Profile, error)
}

// Cipher seals credentials at rest. *credentials.Sealer satisfies it.
type Cipher interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}
