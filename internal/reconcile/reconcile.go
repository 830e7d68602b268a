// Package reconcile converges a profile's local follower edges onto a freshly
// fetched external follower set.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jmerrifield20/profilesync/internal/network"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"github.com/jmerrifield20/profilesync/internal/profiles/repository"
	"github.com/jmerrifield20/profilesync/internal/rank"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when reconciliation is attempted for a profile
// without usable credentials.
var ErrNotConnected = errors.New("profile must be connected")

// NewPersonFunc mints a person id for a follower seen for the first time.
type NewPersonFunc func(ctx context.Context) (int64, error)

// RankFunc computes the rank of a newly created follow edge.
type RankFunc func(ctx context.Context, follower *model.Profile) (rank.FollowRank, error)

// Options are the per-call collaborators. Both are optional.
type Options struct {
	// NewPerson is required to create profiles for unknown followers. When
	// nil those followers are reported as unresolved.
	NewPerson NewPersonFunc
	// Rank, when set, ranks every edge created by this call.
	Rank RankFunc
	// KeepOnPartial skips the removal pass when the external set is partial.
	KeepOnPartial bool
}

// Report summarises one reconciliation.
type Report struct {
	Total          int  `json:"total"`
	Added          int  `json:"added"`
	Removed        int  `json:"removed"`
	Refreshed      int  `json:"refreshed"`
	Unresolved     int  `json:"unresolved"`
	Failed         int  `json:"failed"`
	RemovalSkipped bool `json:"removal_skipped"`
}

// Store is the persistence the reconciler needs.
type Store interface {
	FindByUID(ctx context.Context, network model.Network, uid string) (*model.Profile, error)
	Create(ctx context.Context, p *model.Profile) error
	Update(ctx context.Context, p *model.Profile) error
	CreateFollow(ctx context.Context, f *model.Follow) error
	DeleteFollow(ctx context.Context, profileID, followerID uuid.UUID) error
	ListFollowers(ctx context.Context, profileID uuid.UUID, q repository.FollowerQuery) ([]*model.Profile, error)
}

// Reconciler applies follower deltas. Every edge is written independently;
// a failure on one follower is logged and the rest continue.
type Reconciler struct {
	store  Store
	logger *zap.Logger
}

// New creates a Reconciler.
func New(store Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// Reconcile removes edges for followers that are gone, then resolves every
// external follower to a local profile and creates missing edges. Running it
// twice with the same snapshot changes nothing the second time.
//
// A partial external set is treated like a complete one unless
// opts.KeepOnPartial is set, in which case existing edges are left alone.
func (r *Reconciler) Reconcile(ctx context.Context, followee *model.Profile, external *network.Followers, opts Options) (Report, error) {
	if !followee.Connected() {
		return Report{}, fmt.Errorf("reconcile %s profile %s: %w", followee.Network, followee.ID, ErrNotConnected)
	}
	if external == nil {
		external = &network.Followers{}
	}

	local, err := r.store.ListFollowers(ctx, followee.ID, repository.FollowerQuery{})
	if err != nil {
		return Report{}, fmt.Errorf("list local followers: %w", err)
	}
	localByUID := make(map[string]*model.Profile, len(local))
	for _, p := range local {
		localByUID[p.UID] = p
	}

	log := r.logger.With(
		zap.String("profile_id", followee.ID.String()),
		zap.String("network", string(followee.Network)),
	)
	report := Report{Total: len(external.ByUID)}

	// ── Removal pass ──
	if external.Partial && opts.KeepOnPartial {
		report.RemovalSkipped = true
		log.Info("follower fetch was partial, keeping existing edges")
	} else {
		for uid, p := range localByUID {
			if _, ok := external.ByUID[uid]; ok {
				continue
			}
			if err := r.store.DeleteFollow(ctx, followee.ID, p.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
				log.Warn("remove follow failed", zap.String("uid", uid), zap.Error(err))
				report.Failed++
				continue
			}
			report.Removed++
		}
	}

	// ── Addition pass ──
	uids := make([]string, 0, len(external.ByUID))
	for uid := range external.ByUID {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		attrs := external.ByUID[uid]

		if p, ok := localByUID[uid]; ok {
			r.refresh(ctx, log, p, attrs, &report)
			continue
		}

		follower := r.resolve(ctx, log, followee.Network, uid, attrs, opts.NewPerson, &report)
		if follower == nil || follower.ID == followee.ID {
			continue
		}

		follow := &model.Follow{ProfileID: followee.ID, FollowerID: follower.ID}
		if opts.Rank != nil {
			rk, err := opts.Rank(ctx, follower)
			if err != nil {
				log.Debug("follow left unranked", zap.String("uid", uid), zap.Error(err))
			} else {
				follow.Rank = rk
			}
		}
		switch err := r.store.CreateFollow(ctx, follow); {
		case err == nil:
			report.Added++
		case errors.Is(err, repository.ErrDuplicate):
		default:
			log.Warn("create follow failed", zap.String("uid", uid), zap.Error(err))
			report.Failed++
		}
	}

	log.Info("followers reconciled",
		zap.Int("total", report.Total),
		zap.Int("added", report.Added),
		zap.Int("removed", report.Removed),
		zap.Int("unresolved", report.Unresolved),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// refresh overwrites p's API-sourced fields from attrs.
func (r *Reconciler) refresh(ctx context.Context, log *zap.Logger, p *model.Profile, attrs model.Attrs, report *Report) {
	uid := p.UID
	p.Apply(attrs)
	p.UID = uid
	if err := r.store.Update(ctx, p); err != nil {
		log.Warn("refresh follower failed", zap.String("uid", uid), zap.Error(err))
		report.Failed++
		return
	}
	report.Refreshed++
}

// resolve finds the follower's profile or creates one. It returns nil when
// the follower was counted as unresolved or failed.
func (r *Reconciler) resolve(ctx context.Context, log *zap.Logger, n model.Network, uid string, attrs model.Attrs, newPerson NewPersonFunc, report *Report) *model.Profile {
	existing, err := r.store.FindByUID(ctx, n, uid)
	switch {
	case err == nil:
		r.refresh(ctx, log, existing, attrs, report)
		return existing
	case !errors.Is(err, repository.ErrNotFound):
		log.Warn("lookup follower failed", zap.String("uid", uid), zap.Error(err))
		report.Failed++
		return nil
	}

	if newPerson == nil {
		log.Warn("follower unresolved, no person factory", zap.String("uid", uid))
		report.Unresolved++
		return nil
	}
	personID, err := newPerson(ctx)
	if err != nil {
		log.Warn("follower unresolved, person factory failed", zap.String("uid", uid), zap.Error(err))
		report.Unresolved++
		return nil
	}

	p := model.NewFollowerProfile(&personID, n, uid, attrs)
	if err := r.store.Create(ctx, p); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Created concurrently by another sync.
			if again, findErr := r.store.FindByUID(ctx, n, uid); findErr == nil {
				return again
			}
		}
		log.Warn("create follower profile failed", zap.String("uid", uid), zap.Error(err))
		report.Failed++
		return nil
	}
	return p
}
