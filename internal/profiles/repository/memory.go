package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
)

type edgeKey struct {
	a, b uuid.UUID
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[uuid.UUID]*model.Profile
	follows  map[edgeKey]*model.Follow
	invites  map[edgeKey]*model.Invite
	personID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[uuid.UUID]*model.Profile),
		follows:  make(map[edgeKey]*model.Follow),
		invites:  make(map[edgeKey]*model.Invite),
	}
}

// ── Profiles ─────────────────────────────────────────────────────────────────

func (m *MemoryStore) Create(_ context.Context, p *model.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts(p) {
		return ErrDuplicate
	}
	p.ID = uuid.New()
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	m.profiles[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Update(_ context.Context, p *model.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.ID]; !ok {
		return ErrNotFound
	}
	if m.conflicts(p) {
		return ErrDuplicate
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	m.profiles[p.ID] = &cp
	return nil
}

// conflicts reports whether p collides with another profile's identity keys.
func (m *MemoryStore) conflicts(p *model.Profile) bool {
	for id, o := range m.profiles {
		if id == p.ID || o.Network != p.Network {
			continue
		}
		if o.UID == p.UID && o.Type == p.Type && o.Secure == p.Secure {
			return true
		}
		if p.Type == "" && o.Type == "" && p.PersonID != nil && o.PersonID != nil && *p.PersonID == *o.PersonID {
			return true
		}
	}
	return false
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[id]; !ok {
		return ErrNotFound
	}
	delete(m.profiles, id)
	for k := range m.follows {
		if k.a == id || k.b == id {
			delete(m.follows, k)
		}
	}
	for k := range m.invites {
		if k.a == id || k.b == id {
			delete(m.invites, k)
		}
	}
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*model.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) FindByUID(_ context.Context, network model.Network, uid string) (*model.Profile, error) {
	return m.findOne(func(p *model.Profile) bool {
		return p.Network == network && p.UID == uid && p.Type == ""
	})
}

func (m *MemoryStore) FindForPerson(_ context.Context, personID int64, network model.Network) (*model.Profile, error) {
	return m.findOne(func(p *model.Profile) bool {
		return p.Network == network && p.Type == "" && p.PersonID != nil && *p.PersonID == personID
	})
}

func (m *MemoryStore) ListForPerson(_ context.Context, personID int64) ([]*model.Profile, error) {
	return m.findAll(func(p *model.Profile) bool {
		return p.PersonID != nil && *p.PersonID == personID
	}, 0), nil
}

func (m *MemoryStore) ListExpiring(_ context.Context, network model.Network, before time.Time, limit int) ([]*model.Profile, error) {
	return m.findAll(func(p *model.Profile) bool {
		return p.Network == network && p.Connected() && p.OAuthExpiry != nil && p.OAuthExpiry.Before(before)
	}, limit), nil
}

func (m *MemoryStore) ListStale(_ context.Context, syncedBefore time.Time, limit int) ([]*model.Profile, error) {
	return m.findAll(func(p *model.Profile) bool {
		return p.PersonID != nil && p.Type == "" && p.Connected() &&
			(p.SyncedAt == nil || p.SyncedAt.Before(syncedBefore))
	}, limit), nil
}

func (m *MemoryStore) NextPersonID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.personID++
	return m.personID, nil
}

func (m *MemoryStore) findOne(match func(*model.Profile) bool) (*model.Profile, error) {
	found := m.findAll(match, 1)
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return found[0], nil
}

// findAll returns copies of matching profiles ordered by creation time.
func (m *MemoryStore) findAll(match func(*model.Profile) bool, limit int) []*model.Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Profile
	for _, p := range m.profiles {
		if match(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ── Follows ──────────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateFollow(_ context.Context, f *model.Follow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := edgeKey{f.ProfileID, f.FollowerID}
	if _, ok := m.follows[key]; ok {
		return ErrDuplicate
	}
	if m.profiles[f.ProfileID] == nil || m.profiles[f.FollowerID] == nil {
		return ErrNotFound
	}
	f.ID = uuid.New()
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now
	cp := *f
	m.follows[key] = &cp
	return nil
}

func (m *MemoryStore) UpdateFollowRank(_ context.Context, f *model.Follow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.follows[edgeKey{f.ProfileID, f.FollowerID}]
	if !ok {
		return ErrNotFound
	}
	stored.Rank = f.Rank
	stored.UpdatedAt = time.Now().UTC()
	f.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryStore) GetFollow(_ context.Context, profileID, followerID uuid.UUID) (*model.Follow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.follows[edgeKey{profileID, followerID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryStore) FollowExists(_ context.Context, profileID, followerID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.follows[edgeKey{profileID, followerID}]
	return ok, nil
}

func (m *MemoryStore) DeleteFollow(_ context.Context, profileID, followerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := edgeKey{profileID, followerID}
	if _, ok := m.follows[key]; !ok {
		return ErrNotFound
	}
	delete(m.follows, key)
	return nil
}

func (m *MemoryStore) ListFollowers(_ context.Context, profileID uuid.UUID, q FollowerQuery) ([]*model.Profile, error) {
	m.mu.RLock()
	var edges []*model.Follow
	for k, f := range m.follows {
		if k.a == profileID {
			edges = append(edges, f)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if q.ByRank {
			ri, rj := edges[i].Rank != nil, edges[j].Rank != nil
			if ri != rj {
				return ri
			}
			if vi, vj := edges[i].RankValue(), edges[j].RankValue(); vi != vj {
				return vi > vj
			}
		}
		return edges[i].CreatedAt.Before(edges[j].CreatedAt)
	})
	var only map[uuid.UUID]bool
	if len(q.FollowerIDs) > 0 {
		only = make(map[uuid.UUID]bool, len(q.FollowerIDs))
		for _, id := range q.FollowerIDs {
			only[id] = true
		}
	}
	out := make([]*model.Profile, 0, len(edges))
	for _, f := range edges {
		p, ok := m.profiles[f.FollowerID]
		if !ok || (only != nil && !only[p.ID]) || (q.OnboardedOnly && p.SyncedAt == nil) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	return page(out, q.Offset, q.Limit), nil
}

func (m *MemoryStore) ListFollowing(_ context.Context, followerID uuid.UUID) ([]*model.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Profile
	for k := range m.follows {
		if k.b != followerID {
			continue
		}
		if p, ok := m.profiles[k.a]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CountFollowers(_ context.Context, profileID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.follows {
		if k.a == profileID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountOnboardedFollowers(_ context.Context, profileID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.follows {
		if p, ok := m.profiles[k.b]; ok && k.a == profileID && p.SyncedAt != nil {
			n++
		}
	}
	return n, nil
}

// ── Invites ──────────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateInvite(_ context.Context, inv *model.Invite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := edgeKey{inv.InviteeID, inv.InviterID}
	if _, ok := m.invites[key]; ok {
		return ErrDuplicate
	}
	if m.profiles[inv.InviteeID] == nil || m.profiles[inv.InviterID] == nil {
		return ErrNotFound
	}
	inv.ID = uuid.New()
	inv.CreatedAt = time.Now().UTC()
	cp := *inv
	m.invites[key] = &cp
	return nil
}

func (m *MemoryStore) GetInvite(_ context.Context, inviteeID, inviterID uuid.UUID) (*model.Invite, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invites[edgeKey{inviteeID, inviterID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *MemoryStore) DeleteInvite(_ context.Context, inviteeID, inviterID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := edgeKey{inviteeID, inviterID}
	if _, ok := m.invites[key]; !ok {
		return ErrNotFound
	}
	delete(m.invites, key)
	return nil
}

func (m *MemoryStore) ListInviters(_ context.Context, inviteeID uuid.UUID) ([]*model.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Profile
	for k := range m.invites {
		if k.a != inviteeID {
			continue
		}
		if p, ok := m.profiles[k.b]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListInvitees(_ context.Context, inviterID uuid.UUID) ([]*model.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Profile
	for k := range m.invites {
		if k.b != inviterID {
			continue
		}
		if p, ok := m.profiles[k.a]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
