package model

import "time"

// Attrs is a partial profile produced from a network API payload. A nil field
// was not supplied and leaves the stored value alone; a non-nil field
// overwrites it, even with an empty value. A zero Birthday clears it.
type Attrs struct {
	UID             *string
	Type            *string
	Username        *string
	Name            *string
	FirstName       *string
	LastName        *string
	Email           *string
	PhotoURL        *string
	ProfileURL      *string
	Gender          *string
	Location        *string
	Birthday        *time.Time
	Token           *string
	Secret          *string
	OAuthExpiry     *time.Time
	APIFollowsCount *int
}

// Str returns a pointer to s for building Attrs literals.
func Str(s string) *string { return &s }

// Int returns a pointer to n.
func Int(n int) *int { return &n }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }

// Value dereferences a string field, returning "" when unset.
func Value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
