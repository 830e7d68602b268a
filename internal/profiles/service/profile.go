// Package service implements the profile, follow and invite operations
// behind the REST API.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/profilesync/internal/jobs"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"github.com/jmerrifield20/profilesync/internal/profiles/repository"
	"github.com/jmerrifield20/profilesync/internal/rank"
	"go.uber.org/zap"
)

var (
	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("invalid input")
	// ErrOwnedByOtherPerson is returned when connecting a uid already bound
	// to a different person.
	ErrOwnedByOtherPerson = errors.New("profile belongs to another person")
	// ErrNetworkMismatch is returned for follows between networks.
	ErrNetworkMismatch = errors.New("profiles are on different networks")
	// ErrNoDispatcher is returned by Enqueue when async tasks are disabled.
	ErrNoDispatcher = errors.New("task dispatch is not configured")
)

const (
	defaultUninvitedLimit = 10
	followerPageSize      = 100
)

// profileRepo is the persistence interface for the profile service.
// repository.Store satisfies it.
type profileRepo interface {
	Create(ctx context.Context, p *model.Profile) error
	Update(ctx context.Context, p *model.Profile) error
	Delete(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Profile, error)
	FindByUID(ctx context.Context, network model.Network, uid string) (*model.Profile, error)
	FindForPerson(ctx context.Context, personID int64, network model.Network) (*model.Profile, error)
	ListForPerson(ctx context.Context, personID int64) ([]*model.Profile, error)

	CreateFollow(ctx context.Context, f *model.Follow) error
	UpdateFollowRank(ctx context.Context, f *model.Follow) error
	GetFollow(ctx context.Context, profileID, followerID uuid.UUID) (*model.Follow, error)
	FollowExists(ctx context.Context, profileID, followerID uuid.UUID) (bool, error)
	DeleteFollow(ctx context.Context, profileID, followerID uuid.UUID) error
	ListFollowers(ctx context.Context, profileID uuid.UUID, q repository.FollowerQuery) ([]*model.Profile, error)
	ListFollowing(ctx context.Context, followerID uuid.UUID) ([]*model.Profile, error)
	CountFollowers(ctx context.Context, profileID uuid.UUID) (int, error)
	CountOnboardedFollowers(ctx context.Context, profileID uuid.UUID) (int, error)

	CreateInvite(ctx context.Context, inv *model.Invite) error
	GetInvite(ctx context.Context, inviteeID, inviterID uuid.UUID) (*model.Invite, error)
	DeleteInvite(ctx context.Context, inviteeID, inviterID uuid.UUID) error
	ListInviters(ctx context.Context, inviteeID uuid.UUID) ([]*model.Profile, error)
	ListInvitees(ctx context.Context, inviterID uuid.UUID) ([]*model.Profile, error)
}

// FollowRanker computes a live rank for a follow edge.
// *syncer.Orchestrator satisfies this interface.
type FollowRanker interface {
	RankFollow(ctx context.Context, followee, follower *model.Profile) (rank.FollowRank, error)
}

// TaskEnqueuer accepts async sync tasks. *jobs.Dispatcher satisfies this.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, t jobs.Task) (bool, error)
}

// ProfileFields are the caller-supplied profile attributes. Empty values
// leave the stored value unchanged.
type ProfileFields struct {
	Token       string     `json:"token,omitempty"`
	Secret      string     `json:"secret,omitempty"`
	Scope       string     `json:"scope,omitempty"`
	OAuthExpiry *time.Time `json:"oauth_expiry,omitempty"`
	Username    string     `json:"username,omitempty"`
	Name        string     `json:"name,omitempty"`
	FirstName   string     `json:"first_name,omitempty"`
	LastName    string     `json:"last_name,omitempty"`
	Email       string     `json:"email,omitempty"`
	PhotoURL    string     `json:"photo_url,omitempty"`
	ProfileURL  string     `json:"profile_url,omitempty"`
	Location    string     `json:"location,omitempty"`
}

func (f ProfileFields) attrs() model.Attrs {
	return model.Attrs{
		Token:       optional(f.Token),
		Secret:      optional(f.Secret),
		OAuthExpiry: f.OAuthExpiry,
		Username:    optional(f.Username),
		Name:        optional(f.Name),
		FirstName:   optional(f.FirstName),
		LastName:    optional(f.LastName),
		Email:       optional(f.Email),
		PhotoURL:    optional(f.PhotoURL),
		ProfileURL:  optional(f.ProfileURL),
		Location:    optional(f.Location),
	}
}

// ConnectRequest connects (or reconnects) a person's network account.
type ConnectRequest struct {
	PersonID *int64 `json:"person_id,omitempty"`
	Network  string `json:"network" binding:"required"`
	UID      string `json:"uid" binding:"required"`
	Type     string `json:"type,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	ProfileFields
}

// ProfileView is a profile with its derived connection count.
type ProfileView struct {
	*model.Profile
	ConnectionCount int `json:"connection_count"`
}

// PutFollowRequest controls how PutFollow ranks the edge. Params wins over
// Compute when both are set.
type PutFollowRequest struct {
	Compute bool        `json:"compute_rank,omitempty"`
	Params  rank.Params `json:"rank,omitempty"`
}

// UninvitedQuery filters UninvitedFollowers.
type UninvitedQuery struct {
	// Name matches follower names case-insensitively.
	Name   string
	Limit  int
	Offset int
	// Random samples from all uninvited followers instead of taking the
	// highest ranked ones. Offset is ignored.
	Random bool
}

// ProfileService contains the business logic for profiles, follows and invites.
type ProfileService struct {
	repo   profileRepo
	ranker FollowRanker // nil = follows are only ranked from supplied params
	tasks  TaskEnqueuer // nil = no async sync
	logger *zap.Logger
}

// NewProfileService creates a new ProfileService.
func NewProfileService(repo profileRepo, logger *zap.Logger) *ProfileService {
	return &ProfileService{repo: repo, logger: logger}
}

// SetRanker configures live follow ranking.
func (s *ProfileService) SetRanker(r FollowRanker) {
	s.ranker = r
}

// SetEnqueuer configures async task dispatch. Connect enqueues a sync for
// every connected profile once it is set.
func (s *ProfileService) SetEnqueuer(e TaskEnqueuer) {
	s.tasks = e
}

// ── Profiles ─────────────────────────────────────────────────────────────────

// Connect creates or updates the profile for (network, uid). Scope is merged
// with what was granted before and an older OAuth expiry never replaces a
// newer one. The boolean reports whether a profile was created.
func (s *ProfileService) Connect(ctx context.Context, req ConnectRequest) (*model.Profile, bool, error) {
	network, err := model.ParseNetwork(req.Network)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if strings.TrimSpace(req.UID) == "" {
		return nil, false, fmt.Errorf("%w: uid is required", ErrInvalidInput)
	}
	if req.Type != "" && req.Type != model.ProfileTypePage {
		return nil, false, fmt.Errorf("%w: unknown profile type %q", ErrInvalidInput, req.Type)
	}

	p, err := s.findExisting(ctx, network, req)
	if err != nil {
		return nil, false, err
	}

	created := p == nil
	if created {
		p = &model.Profile{PersonID: req.PersonID, Network: network, Type: req.Type, Secure: req.Secure, UID: req.UID}
		p.Apply(req.attrs())
		p.MergeScope(req.Scope)
		if err := s.repo.Create(ctx, p); err != nil {
			return nil, false, fmt.Errorf("create profile: %w", err)
		}
	} else {
		if p.PersonID != nil && req.PersonID != nil && *p.PersonID != *req.PersonID {
			return nil, false, ErrOwnedByOtherPerson
		}
		if p.PersonID == nil {
			p.PersonID = req.PersonID
		}
		p.Apply(req.attrs())
		p.MergeScope(req.Scope)
		if err := s.repo.Update(ctx, p); err != nil {
			return nil, false, fmt.Errorf("update profile: %w", err)
		}
	}

	s.logger.Info("profile connected",
		zap.String("profile_id", p.ID.String()),
		zap.String("network", string(p.Network)),
		zap.String("uid", p.UID),
		zap.Bool("created", created),
	)

	if s.tasks != nil && p.Connected() {
		if _, err := s.tasks.Enqueue(ctx, jobs.TaskFor(jobs.KindSync, p)); err != nil {
			s.logger.Warn("enqueue sync after connect failed",
				zap.String("profile_id", p.ID.String()),
				zap.Error(err),
			)
		}
	}
	return p, created, nil
}

func (s *ProfileService) findExisting(ctx context.Context, network model.Network, req ConnectRequest) (*model.Profile, error) {
	if req.Type == "" {
		p, err := s.repo.FindByUID(ctx, network, req.UID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return p, err
	}
	if req.PersonID == nil {
		return nil, nil
	}
	owned, err := s.repo.ListForPerson(ctx, *req.PersonID)
	if err != nil {
		return nil, err
	}
	for _, p := range owned {
		if p.Network == network && p.Type == req.Type && p.UID == req.UID {
			return p, nil
		}
	}
	return nil, nil
}

// Update applies fields to an existing profile.
func (s *ProfileService) Update(ctx context.Context, id uuid.UUID, fields ProfileFields) (*model.Profile, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Apply(fields.attrs())
	p.MergeScope(fields.Scope)
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return p, nil
}

// Get returns a profile with its connection count.
func (s *ProfileService) Get(ctx context.Context, id uuid.UUID) (*ProfileView, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, p)
}

// GetOnboarded returns a profile whose connection count only includes
// followers that have been synced at least once.
func (s *ProfileService) GetOnboarded(ctx context.Context, id uuid.UUID) (*ProfileView, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	n, err := s.repo.CountOnboardedFollowers(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("count onboarded followers: %w", err)
	}
	return &ProfileView{Profile: p, ConnectionCount: n}, nil
}

func (s *ProfileService) view(ctx context.Context, p *model.Profile) (*ProfileView, error) {
	n, err := s.repo.CountFollowers(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("count followers: %w", err)
	}
	return &ProfileView{Profile: p, ConnectionCount: p.ConnectionCount(n)}, nil
}

// FindByUID returns the personal profile for (network, uid).
func (s *ProfileService) FindByUID(ctx context.Context, network, uid string) (*ProfileView, error) {
	n, err := model.ParseNetwork(network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	p, err := s.repo.FindByUID(ctx, n, uid)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, p)
}

// ListForPerson returns every profile a person owns.
func (s *ProfileService) ListForPerson(ctx context.Context, personID int64) ([]*model.Profile, error) {
	return s.repo.ListForPerson(ctx, personID)
}

// GetForPerson returns a person's personal profile on network.
func (s *ProfileService) GetForPerson(ctx context.Context, personID int64, network string) (*ProfileView, error) {
	n, err := model.ParseNetwork(network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	p, err := s.repo.FindForPerson(ctx, personID, n)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, p)
}

// Unregister drops a profile's credentials and personal data but keeps the
// record and its follow edges.
func (s *ProfileService) Unregister(ctx context.Context, id uuid.UUID) (*model.Profile, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Unregister()
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("unregister profile: %w", err)
	}
	s.logger.Info("profile unregistered", zap.String("profile_id", id.String()))
	return p, nil
}

// UnregisterPerson unregisters every profile a person owns and returns how
// many were changed.
func (s *ProfileService) UnregisterPerson(ctx context.Context, personID int64) (int, error) {
	owned, err := s.repo.ListForPerson(ctx, personID)
	if err != nil {
		return 0, err
	}
	for i, p := range owned {
		p.Unregister()
		if err := s.repo.Update(ctx, p); err != nil {
			return i, fmt.Errorf("unregister profile %s: %w", p.ID, err)
		}
	}
	return len(owned), nil
}

// Delete removes a profile together with its follows and invites.
func (s *ProfileService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("profile deleted", zap.String("profile_id", id.String()))
	return nil
}

// Enqueue schedules an async task for the profile. It returns false when an
// identical task is already queued or running.
func (s *ProfileService) Enqueue(ctx context.Context, id uuid.UUID, kind jobs.Kind) (bool, error) {
	if s.tasks == nil {
		return false, ErrNoDispatcher
	}
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return s.tasks.Enqueue(ctx, jobs.TaskFor(kind, p))
}

// ── Follows ──────────────────────────────────────────────────────────────────

// Followers lists the profiles following id.
func (s *ProfileService) Followers(ctx context.Context, id uuid.UUID, q repository.FollowerQuery) ([]*model.Profile, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListFollowers(ctx, id, q)
}

// Following lists the profiles id follows.
func (s *ProfileService) Following(ctx context.Context, id uuid.UUID) ([]*model.Profile, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListFollowing(ctx, id)
}

// GetFollow returns the edge from followerID to profileID.
func (s *ProfileService) GetFollow(ctx context.Context, profileID, followerID uuid.UUID) (*model.Follow, error) {
	return s.repo.GetFollow(ctx, profileID, followerID)
}

// PutFollow creates the edge or updates its rank. The boolean reports
// whether the edge was created.
func (s *ProfileService) PutFollow(ctx context.Context, profileID, followerID uuid.UUID, req PutFollowRequest) (*model.Follow, bool, error) {
	if profileID == followerID {
		return nil, false, fmt.Errorf("%w: a profile cannot follow itself", ErrInvalidInput)
	}
	followee, err := s.repo.GetByID(ctx, profileID)
	if err != nil {
		return nil, false, err
	}
	follower, err := s.repo.GetByID(ctx, followerID)
	if err != nil {
		return nil, false, err
	}
	if followee.Network != follower.Network {
		return nil, false, ErrNetworkMismatch
	}

	fr, err := s.rankFor(ctx, followee, follower, req)
	if err != nil {
		return nil, false, err
	}

	f, err := s.repo.GetFollow(ctx, profileID, followerID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		f = &model.Follow{ProfileID: profileID, FollowerID: followerID, Rank: fr}
		if err := s.repo.CreateFollow(ctx, f); err != nil {
			return nil, false, fmt.Errorf("create follow: %w", err)
		}
		return f, true, nil
	case err != nil:
		return nil, false, err
	}

	if fr != nil {
		f.Rank = fr
		if err := s.repo.UpdateFollowRank(ctx, f); err != nil {
			return nil, false, fmt.Errorf("update follow rank: %w", err)
		}
	}
	return f, false, nil
}

// rankFor decodes supplied params or computes a live rank. A failed live
// computation leaves the edge unranked.
func (s *ProfileService) rankFor(ctx context.Context, followee, follower *model.Profile, req PutFollowRequest) (rank.FollowRank, error) {
	if len(req.Params) > 0 {
		fr, err := rank.FromParams(req.Params)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return fr, nil
	}
	if !req.Compute || s.ranker == nil {
		return nil, nil
	}
	fr, err := s.ranker.RankFollow(ctx, followee, follower)
	if err != nil {
		s.logger.Warn("follow rank not computed",
			zap.String("profile_id", followee.ID.String()),
			zap.String("follower_id", follower.ID.String()),
			zap.Error(err),
		)
		return nil, nil
	}
	return fr, nil
}

// DeleteFollow removes the edge from followerID to profileID.
func (s *ProfileService) DeleteFollow(ctx context.Context, profileID, followerID uuid.UUID) error {
	return s.repo.DeleteFollow(ctx, profileID, followerID)
}

// ── Invites ──────────────────────────────────────────────────────────────────

// GetInvite returns the invite sent by inviterID to inviteeID.
func (s *ProfileService) GetInvite(ctx context.Context, inviteeID, inviterID uuid.UUID) (*model.Invite, error) {
	return s.repo.GetInvite(ctx, inviteeID, inviterID)
}

// PutInvite records an invite. An existing invite for the pair is returned
// unchanged.
func (s *ProfileService) PutInvite(ctx context.Context, inviteeID, inviterID uuid.UUID) (*model.Invite, bool, error) {
	if inviteeID == inviterID {
		return nil, false, fmt.Errorf("%w: a profile cannot invite itself", ErrInvalidInput)
	}
	inv, err := s.repo.GetInvite(ctx, inviteeID, inviterID)
	if err == nil {
		return inv, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}
	inv = &model.Invite{InviteeID: inviteeID, InviterID: inviterID}
	if err := s.repo.CreateInvite(ctx, inv); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			existing, getErr := s.repo.GetInvite(ctx, inviteeID, inviterID)
			return existing, false, getErr
		}
		return nil, false, fmt.Errorf("create invite: %w", err)
	}
	return inv, true, nil
}

// DeleteInvite removes the invite sent by inviterID to inviteeID.
func (s *ProfileService) DeleteInvite(ctx context.Context, inviteeID, inviterID uuid.UUID) error {
	return s.repo.DeleteInvite(ctx, inviteeID, inviterID)
}

// Inviters lists the profiles that invited id.
func (s *ProfileService) Inviters(ctx context.Context, id uuid.UUID) ([]*model.Profile, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListInviters(ctx, id)
}

// Inviting lists the profiles id has invited.
func (s *ProfileService) Inviting(ctx context.Context, id uuid.UUID) ([]*model.Profile, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListInvitees(ctx, id)
}

// InvitersFollowing lists the inviters of id that also follow followeeID.
func (s *ProfileService) InvitersFollowing(ctx context.Context, id, followeeID uuid.UUID) ([]*model.Profile, error) {
	inviters, err := s.Inviters(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Profile, 0, len(inviters))
	for _, inviter := range inviters {
		ok, err := s.repo.FollowExists(ctx, followeeID, inviter.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, inviter)
		}
	}
	return out, nil
}

// UninvitedFollowers returns followers of id that id has not invited yet,
// highest ranked first, with at most one profile per uid.
func (s *ProfileService) UninvitedFollowers(ctx context.Context, id uuid.UUID, q UninvitedQuery) ([]*model.Profile, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = defaultUninvitedLimit
	}
	if q.Offset < 0 || q.Random {
		q.Offset = 0
	}
	name := strings.ToLower(q.Name)
	want := q.Offset + q.Limit

	seen := make(map[string]struct{})
	var out []*model.Profile
	for offset := 0; ; offset += followerPageSize {
		batch, err := s.repo.ListFollowers(ctx, id, repository.FollowerQuery{ByRank: true, Limit: followerPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, f := range batch {
			if name != "" && !strings.Contains(strings.ToLower(f.Name), name) {
				continue
			}
			if _, dup := seen[f.UID]; dup {
				continue
			}
			invited, err := s.invited(ctx, f.ID, id)
			if err != nil {
				return nil, err
			}
			if invited {
				continue
			}
			seen[f.UID] = struct{}{}
			out = append(out, f)
		}
		if len(batch) < followerPageSize || (!q.Random && len(out) >= want) {
			break
		}
	}

	if q.Random {
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	if q.Offset >= len(out) {
		return []*model.Profile{}, nil
	}
	out = out[q.Offset:]
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *ProfileService) invited(ctx context.Context, inviteeID, inviterID uuid.UUID) (bool, error) {
	_, err := s.repo.GetInvite(ctx, inviteeID, inviterID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repository.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
