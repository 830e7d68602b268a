// Package syncer drives a profile's external sync: attribute refresh,
// follower fetch and reconciliation, plus the token and posting operations
// that need a live network session.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/profilesync/internal/errsink"
	"github.com/jmerrifield20/profilesync/internal/metrics"
	"github.com/jmerrifield20/profilesync/internal/network"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"github.com/jmerrifield20/profilesync/internal/profiles/repository"
	"github.com/jmerrifield20/profilesync/internal/rank"
	"github.com/jmerrifield20/profilesync/internal/reconcile"
	"go.uber.org/zap"
)

// Store is the persistence the orchestrator and worker need.
type Store interface {
	reconcile.Store
	GetByID(ctx context.Context, id uuid.UUID) (*model.Profile, error)
	FindForPerson(ctx context.Context, personID int64, network model.Network) (*model.Profile, error)
	ListForPerson(ctx context.Context, personID int64) ([]*model.Profile, error)
	NextPersonID(ctx context.Context) (int64, error)
	CreateInvite(ctx context.Context, inv *model.Invite) error
	DeleteInvite(ctx context.Context, inviteeID, inviterID uuid.UUID) error
}

// ClientFactory builds an authenticated network client for a profile.
// *network.Factory satisfies it.
type ClientFactory interface {
	ClientFor(ctx context.Context, p *model.Profile) (network.Client, error)
}

// Config tunes the orchestrator.
type Config struct {
	// ExtTimeout bounds calls that can hang, such as live permission checks.
	ExtTimeout time.Duration `mapstructure:"ext_timeout"`
	// RankFollows ranks edges created during sync on networks that support it.
	RankFollows bool `mapstructure:"rank_follows"`
	// KeepFollowersOnPartial leaves existing edges in place when some
	// follower pages could not be fetched.
	KeepFollowersOnPartial bool `mapstructure:"keep_followers_on_partial"`
}

// Orchestrator runs the per-profile sync operations. It assumes at most one
// concurrent call per profile; the jobs dispatcher guarantees that.
type Orchestrator struct {
	store      Store
	clients    ClientFactory
	reconciler *reconcile.Reconciler
	ranker     *rank.Engine
	sink       errsink.Reporter
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

// New creates an Orchestrator. ranker may be nil to disable ranking.
func New(store Store, clients ClientFactory, ranker *rank.Engine, sink errsink.Reporter, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.ExtTimeout == 0 {
		cfg.ExtTimeout = 5 * time.Second
	}
	return &Orchestrator{
		store:      store,
		clients:    clients,
		reconciler: reconcile.New(store, logger),
		ranker:     ranker,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// ── Sync ─────────────────────────────────────────────────────────────────────

// Sync refreshes p's attributes, fetches its followers and reconciles them.
// It returns the number of external followers processed. Attribute refresh
// failures are logged and absorbed; follower fetch failures are returned.
func (o *Orchestrator) Sync(ctx context.Context, p *model.Profile, newPerson reconcile.NewPersonFunc) (int, error) {
	start := time.Now()
	n, err := o.sync(ctx, p, newPerson)
	metrics.RecordSync(string(p.Network), "full", err, time.Since(start))
	return n, err
}

func (o *Orchestrator) sync(ctx context.Context, p *model.Profile, newPerson reconcile.NewPersonFunc) (int, error) {
	if !p.Connected() {
		return 0, fmt.Errorf("sync %s profile %s: %w", p.Network, p.ID, reconcile.ErrNotConnected)
	}
	log := o.profileLogger(p)

	client, err := o.clients.ClientFor(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("client for %s profile: %w", p.Network, err)
	}
	o.syncAttrs(ctx, log, client, p)

	followers, err := client.FetchFollowers(ctx)
	if errors.Is(err, network.ErrNotSupported) {
		log.Info("network exposes no followers for this profile, attributes only")
		o.markSynced(ctx, log, p)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("fetch %s followers: %w", p.Network, err)
	}
	if followers.Partial {
		o.sink.HandleError(ctx, "follower fetch returned partial results", "some pages failed and were skipped",
			o.fields(p))
	}

	opts := reconcile.Options{NewPerson: newPerson, KeepOnPartial: o.cfg.KeepFollowersOnPartial}
	if media, ok := client.(network.MediaSource); ok && o.cfg.RankFollows && o.ranker != nil && o.ranker.Supports(string(p.Network)) {
		opts.Rank = o.rankFunc(log, p, media)
	}

	report, err := o.reconciler.Reconcile(ctx, p, followers, opts)
	if err != nil {
		return 0, err
	}
	metrics.RecordFollowChanges(string(p.Network), report.Added, report.Removed, report.Unresolved)
	o.markSynced(ctx, log, p)
	return report.Total, nil
}

// SyncAttrsOnly refreshes p's attributes without touching the follower
// graph. Network failures are logged and absorbed.
func (o *Orchestrator) SyncAttrsOnly(ctx context.Context, p *model.Profile) error {
	start := time.Now()
	err := o.syncAttrsOnly(ctx, p)
	metrics.RecordSync(string(p.Network), "attrs", err, time.Since(start))
	return err
}

func (o *Orchestrator) syncAttrsOnly(ctx context.Context, p *model.Profile) error {
	if !p.Connected() {
		return fmt.Errorf("sync attributes of %s profile %s: %w", p.Network, p.ID, reconcile.ErrNotConnected)
	}
	client, err := o.clients.ClientFor(ctx, p)
	if err != nil {
		return fmt.Errorf("client for %s profile: %w", p.Network, err)
	}
	o.syncAttrs(ctx, o.profileLogger(p), client, p)
	return nil
}

// syncAttrs applies the current-user payload to p and saves it. p is left
// untouched when the save fails. It reports whether the profile was refreshed.
func (o *Orchestrator) syncAttrs(ctx context.Context, log *zap.Logger, client network.Client, p *model.Profile) bool {
	attrs, err := client.FetchCurrentUser(ctx)
	if err != nil {
		log.Warn("attribute sync skipped", zap.Error(err))
		return false
	}
	next := *p
	next.Apply(attrs)
	if p.UID != "" {
		next.UID = p.UID
	}
	if err := o.store.Update(ctx, &next); err != nil {
		log.Warn("save refreshed attributes", zap.Error(err))
		o.sink.HandleError(ctx, "could not save refreshed profile attributes", err.Error(), o.fields(p))
		return false
	}
	*p = next
	return true
}

func (o *Orchestrator) markSynced(ctx context.Context, log *zap.Logger, p *model.Profile) {
	now := o.now().UTC()
	p.SyncedAt = &now
	if err := o.store.Update(ctx, p); err != nil {
		log.Warn("record sync time", zap.Error(err))
	}
}

// rankFunc ranks new edges against p's media. The media is fetched on the
// first new edge and reused for the rest of this sync; a failed fetch ranks
// against empty media.
func (o *Orchestrator) rankFunc(log *zap.Logger, p *model.Profile, media network.MediaSource) reconcile.RankFunc {
	var followee *rank.Followee
	return func(ctx context.Context, follower *model.Profile) (rank.FollowRank, error) {
		if followee == nil {
			f := rank.Followee{UID: p.UID, Network: string(p.Network)}
			photos, err := media.Photos(ctx)
			if err != nil {
				log.Warn("photos unavailable for ranking", zap.Error(err))
			}
			statuses, err := media.Statuses(ctx)
			if err != nil {
				log.Warn("statuses unavailable for ranking", zap.Error(err))
			}
			f.Photos, f.Statuses = photos, statuses
			followee = &f
		}
		return o.ranker.Compute(*followee, follower.UID)
	}
}

// RankFollow scores follower against followee using the followee's live
// media. Networks without a rank variant fail with rank.ErrNotImplemented.
func (o *Orchestrator) RankFollow(ctx context.Context, followee, follower *model.Profile) (rank.FollowRank, error) {
	if o.ranker == nil || !o.ranker.Supports(string(followee.Network)) {
		return nil, fmt.Errorf("%w: %q", rank.ErrNotImplemented, followee.Network)
	}
	client, err := o.clients.ClientFor(ctx, followee)
	if err != nil {
		return nil, fmt.Errorf("client for %s: %w", followee.Network, err)
	}
	media, ok := client.(network.MediaSource)
	if !ok {
		return nil, fmt.Errorf("%w: %q has no media source", rank.ErrNotImplemented, followee.Network)
	}
	return o.rankFunc(o.profileLogger(followee), followee, media)(ctx, follower)
}

// ── Tokens and permissions ───────────────────────────────────────────────────

// ExtendTokenExpiry exchanges p's token for a long-lived one and stores the
// new token and expiry. On failure the error sink is called once and p is
// left unchanged.
func (o *Orchestrator) ExtendTokenExpiry(ctx context.Context, p *model.Profile) error {
	if !p.Connected() {
		return fmt.Errorf("extend token of %s profile %s: %w", p.Network, p.ID, reconcile.ErrNotConnected)
	}
	client, err := o.clients.ClientFor(ctx, p)
	if err != nil {
		return fmt.Errorf("client for %s profile: %w", p.Network, err)
	}
	exchanger, ok := client.(network.TokenExchanger)
	if !ok {
		return fmt.Errorf("extend %s token: %w", p.Network, network.ErrNotSupported)
	}

	token, expiresIn, err := exchanger.ExchangeToken(ctx)
	if err != nil {
		o.sink.HandleError(ctx, "unable to extend token expiry", err.Error(), o.fields(p))
		return fmt.Errorf("extend %s token: %w", p.Network, err)
	}

	updated := *p
	attrs := model.Attrs{Token: model.Str(token)}
	if expiresIn > 0 {
		attrs.OAuthExpiry = model.Time(o.now().UTC().Add(expiresIn))
	} else {
		o.profileLogger(p).Warn("token exchange returned no expiry")
	}
	updated.Apply(attrs)
	if err := o.store.Update(ctx, &updated); err != nil {
		o.sink.HandleError(ctx, "unable to save extended token", err.Error(), o.fields(p))
		return fmt.Errorf("save extended token: %w", err)
	}
	*p = updated
	return nil
}

// HasLivePermission asks the network whether permission is granted right
// now. Networks without a live check fall back to the stored scope. The call
// is bounded by ExtTimeout and a timeout returns network.ErrTimeout.
func (o *Orchestrator) HasLivePermission(ctx context.Context, p *model.Profile, permission string) (bool, error) {
	if !p.Connected() {
		return false, fmt.Errorf("check permission of %s profile %s: %w", p.Network, p.ID, reconcile.ErrNotConnected)
	}
	client, err := o.clients.ClientFor(ctx, p)
	if err != nil {
		return false, fmt.Errorf("client for %s profile: %w", p.Network, err)
	}
	checker, ok := client.(network.PermissionChecker)
	if !ok {
		return p.HasScope(permission), nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ExtTimeout)
	defer cancel()
	granted, err := checker.HasPermission(ctx, permission)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, network.ErrTimeout) {
			return false, fmt.Errorf("check %s permission %q: %w", p.Network, permission, network.ErrTimeout)
		}
		return false, fmt.Errorf("check %s permission %q: %w", p.Network, permission, err)
	}
	return granted, nil
}

// ── Posting ──────────────────────────────────────────────────────────────────

// PostToFeed posts content to feedUID as poster. A transient failure is
// retried once; a second failure, or any other unclassified failure, goes to
// the error sink and the call returns false with a nil error. Errors from the
// shared taxonomy, unsupported networks and invalid content are returned.
func (o *Orchestrator) PostToFeed(ctx context.Context, poster *model.Profile, feedUID string, content network.Content) (bool, error) {
	if !poster.Connected() {
		return false, fmt.Errorf("post as %s profile %s: %w", poster.Network, poster.ID, reconcile.ErrNotConnected)
	}
	client, err := o.clients.ClientFor(ctx, poster)
	if err != nil {
		return false, fmt.Errorf("client for %s profile: %w", poster.Network, err)
	}

	err = client.PostToFeed(ctx, feedUID, content)
	if err != nil && network.IsRetryable(err) {
		o.profileLogger(poster).Info("retrying feed post", zap.String("feed_uid", feedUID), zap.Error(err))
		err = client.PostToFeed(ctx, feedUID, content)
	}

	switch {
	case err == nil:
		return true, nil
	case network.IsTaxonomy(err),
		errors.Is(err, network.ErrNotSupported),
		errors.Is(err, network.ErrInvalidContent),
		errors.Is(err, context.Canceled):
		return false, err
	default:
		fields := o.fields(poster)
		fields["feed_uid"] = feedUID
		o.sink.HandleError(ctx, "unable to post to feed", err.Error(), fields)
		return false, nil
	}
}

// DeliverInvitation records an invite from inviter to invitee and posts it
// to the invitee's feed through the inviter's session. The invite is removed
// again when the post does not go through.
func (o *Orchestrator) DeliverInvitation(ctx context.Context, inviter, invitee *model.Profile, content network.Content) (bool, error) {
	if !inviter.Connected() {
		return false, fmt.Errorf("invite from %s profile %s: %w", inviter.Network, inviter.ID, reconcile.ErrNotConnected)
	}
	if inviter.Network != invitee.Network {
		return false, fmt.Errorf("invite across networks %s and %s: %w", inviter.Network, invitee.Network, network.ErrActionNotAllowed)
	}

	inv := &model.Invite{InviteeID: invitee.ID, InviterID: inviter.ID}
	if err := o.store.CreateInvite(ctx, inv); err != nil {
		return false, fmt.Errorf("record invite: %w", err)
	}

	ok, err := o.PostToFeed(ctx, inviter, invitee.UID, content)
	if !ok {
		if delErr := o.store.DeleteInvite(ctx, invitee.ID, inviter.ID); delErr != nil && !errors.Is(delErr, repository.ErrNotFound) {
			o.profileLogger(inviter).Warn("remove undelivered invite", zap.Error(delErr))
		}
	}
	return ok, err
}

func (o *Orchestrator) profileLogger(p *model.Profile) *zap.Logger {
	return o.logger.With(
		zap.String("profile_id", p.ID.String()),
		zap.String("network", string(p.Network)),
		zap.String("uid", p.UID),
	)
}

func (o *Orchestrator) fields(p *model.Profile) map[string]string {
	return map[string]string{
		"profile_id": p.ID.String(),
		"network":    string(p.Network),
		"uid":        p.UID,
	}
}
