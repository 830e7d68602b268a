// Package jobs runs profile tasks asynchronously. At most one task per
// profile is queued or running at a time; duplicates are dropped.
package jobs

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
)

// Kind names the operation a task performs.
type Kind string

const (
	KindSync        Kind = "sync"
	KindSyncAttrs   Kind = "sync_attrs"
	KindExtendToken Kind = "extend_token_expiry"
)

// ParseKind validates a task kind from user input.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindSync, KindSyncAttrs, KindExtendToken:
		return k, nil
	}
	return "", fmt.Errorf("unknown task kind %q", s)
}

// Task identifies a profile on a network by id, uid or person id, tried in
// that order. Type distinguishes a person's page profiles from their
// personal profile on the same network.
type Task struct {
	Kind      Kind          `json:"kind"`
	Network   model.Network `json:"network"`
	Type      string        `json:"type,omitempty"`
	ProfileID uuid.UUID     `json:"profile_id,omitempty"`
	PersonID  *int64        `json:"person_id,omitempty"`
	UID       string        `json:"uid,omitempty"`
}

// Validate checks that the task names a profile.
func (t Task) Validate() error {
	if _, err := ParseKind(string(t.Kind)); err != nil {
		return err
	}
	if _, err := model.ParseNetwork(string(t.Network)); err != nil {
		return err
	}
	if t.ProfileID == uuid.Nil && t.PersonID == nil && t.UID == "" {
		return errors.New("task needs a profile_id, person_id or uid")
	}
	return nil
}

// Key is the uniqueness key. Kind is not part of it: tasks of any kind for
// the same profile are serialized.
func (t Task) Key() string {
	scope := string(t.Network)
	if t.Type != "" {
		scope += "/" + t.Type
	}
	var id string
	switch {
	case t.PersonID != nil:
		id = "person:" + strconv.FormatInt(*t.PersonID, 10)
	case t.UID != "":
		id = "uid:" + t.UID
	default:
		id = "profile:" + t.ProfileID.String()
	}
	return scope + ":" + id
}
