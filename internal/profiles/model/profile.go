// Package model defines the domain types for the profile aggregation service.
package model

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProfileTypePage marks a profile that represents a page rather than a person.
const ProfileTypePage = "page"

// Profile is one person's account on one external network.
type Profile struct {
	ID       uuid.UUID `json:"id"`
	PersonID *int64    `json:"person_id,omitempty"`
	Network  Network   `json:"network"`
	// Type is empty for personal accounts and ProfileTypePage for pages.
	Type   string `json:"type,omitempty"`
	Secure bool   `json:"secure"`
	UID    string `json:"uid"`

	Username   string     `json:"username,omitempty"`
	Name       string     `json:"name,omitempty"`
	FirstName  string     `json:"first_name,omitempty"`
	LastName   string     `json:"last_name,omitempty"`
	Email      string     `json:"email,omitempty"`
	PhotoURL   string     `json:"photo_url,omitempty"`
	ProfileURL string     `json:"profile_url,omitempty"`
	Gender     string     `json:"gender,omitempty"`
	Location   string     `json:"location,omitempty"`
	Birthday   *time.Time `json:"birthday,omitempty"`

	Token       string     `json:"-"`
	Secret      string     `json:"-"`
	Scope       string     `json:"scope,omitempty"`
	OAuthExpiry *time.Time `json:"oauth_expiry,omitempty"`

	APIFollowsCount int        `json:"api_follows_count,omitempty"`
	SyncedAt        *time.Time `json:"synced_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Connected reports whether the profile holds usable credentials. OAuth1
// networks need both the token and the secret.
func (p *Profile) Connected() bool {
	if p.Token == "" {
		return false
	}
	if p.Network.UsesOAuth1() {
		return p.Secret != ""
	}
	return true
}

// IsPage reports whether the profile is a page.
func (p *Profile) IsPage() bool {
	return p.Type == ProfileTypePage
}

// ConnectionCount is the follower count shown for the profile. The count
// reported by the network wins when positive; otherwise the locally stored
// follow count is used.
func (p *Profile) ConnectionCount(localFollows int) int {
	if p.APIFollowsCount > 0 {
		return p.APIFollowsCount
	}
	return localFollows
}

// Apply overwrites the API-sourced fields present in a. An incoming
// OAuthExpiry earlier than the stored one is discarded so that a stale
// response cannot shorten a previously extended token.
func (p *Profile) Apply(a Attrs) {
	if a.OAuthExpiry != nil && p.OAuthExpiry != nil && p.OAuthExpiry.After(*a.OAuthExpiry) {
		a.OAuthExpiry = nil
	}
	setString(&p.UID, a.UID)
	setString(&p.Type, a.Type)
	setString(&p.Username, a.Username)
	setString(&p.Name, a.Name)
	setString(&p.FirstName, a.FirstName)
	setString(&p.LastName, a.LastName)
	setString(&p.Email, a.Email)
	setString(&p.PhotoURL, a.PhotoURL)
	setString(&p.ProfileURL, a.ProfileURL)
	setString(&p.Gender, a.Gender)
	setString(&p.Location, a.Location)
	setString(&p.Token, a.Token)
	setString(&p.Secret, a.Secret)
	switch {
	case a.Birthday == nil:
	case a.Birthday.IsZero():
		p.Birthday = nil
	default:
		p.Birthday = cloneTime(*a.Birthday)
	}
	if a.OAuthExpiry != nil {
		p.OAuthExpiry = cloneTime(*a.OAuthExpiry)
	}
	if a.APIFollowsCount != nil {
		p.APIFollowsCount = *a.APIFollowsCount
	}
}

// Unregister clears credentials and identity-revealing fields. The identity
// keys, owner, name and timestamps survive so follow edges stay meaningful.
func (p *Profile) Unregister() {
	*p = Profile{
		ID:        p.ID,
		PersonID:  p.PersonID,
		Network:   p.Network,
		Type:      p.Type,
		Secure:    p.Secure,
		UID:       p.UID,
		Name:      p.Name,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// MergeScope adds the comma separated permissions in scope to the profile's
// granted scope, keeping the union sorted.
func (p *Profile) MergeScope(scope string) {
	set := make(map[string]struct{})
	for _, s := range []string{p.Scope, scope} {
		for _, perm := range strings.Split(s, ",") {
			if perm = strings.TrimSpace(perm); perm != "" {
				set[perm] = struct{}{}
			}
		}
	}
	perms := make([]string, 0, len(set))
	for perm := range set {
		perms = append(perms, perm)
	}
	sort.Strings(perms)
	p.Scope = strings.Join(perms, ",")
}

// HasScope reports whether perm was granted.
func (p *Profile) HasScope(perm string) bool {
	for _, s := range strings.Split(p.Scope, ",") {
		if strings.TrimSpace(s) == perm {
			return true
		}
	}
	return false
}

// NewFollowerProfile builds an unregistered profile for a follower first seen
// through a sync.
func NewFollowerProfile(personID *int64, network Network, uid string, a Attrs) *Profile {
	p := &Profile{PersonID: personID, Network: network, UID: uid}
	p.Apply(a)
	p.UID = uid
	return p
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func cloneTime(t time.Time) *time.Time {
	return &t
}
