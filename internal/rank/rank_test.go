package rank_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/profilesync/internal/rank"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newEngine(cfg rank.Config) *rank.Engine {
	e := rank.NewEngine(cfg)
	e.SetClock(func() time.Time { return fixedNow })
	return e
}

func daysAgo(d int) time.Time {
	return fixedNow.Add(-time.Duration(d) * 24 * time.Hour)
}

func computeFacebook(t *testing.T, e *rank.Engine, f rank.Followee, uid string) *rank.FacebookRank {
	t.Helper()
	f.Network = rank.NetworkFacebook
	r, err := e.Compute(f, uid)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	fr, ok := r.(*rank.FacebookRank)
	if !ok {
		t.Fatalf("expected *FacebookRank, got %T", r)
	}
	return fr
}

func TestCompute_UnsupportedNetwork(t *testing.T) {
	e := newEngine(rank.DefaultConfig())
	for _, network := range []string{"twitter", "tumblr", "instagram", ""} {
		_, err := e.Compute(rank.Followee{Network: network}, "u1")
		if !errors.Is(err, rank.ErrNotImplemented) {
			t.Errorf("network %q: expected ErrNotImplemented, got %v", network, err)
		}
		if e.Supports(network) {
			t.Errorf("network %q: Supports should be false", network)
		}
	}
}

func TestCompute_EmptyMedia(t *testing.T) {
	e := newEngine(rank.DefaultConfig())
	r := computeFacebook(t, e, rank.Followee{UID: "me"}, "u1")
	if r.Value() != 0 {
		t.Errorf("expected 0, got %v", r.Value())
	}
	if r.SharedConnections.Coefficient != 1 {
		t.Errorf("shared connections coefficient should be kept, got %v", r.SharedConnections.Coefficient)
	}
}

func TestCompute_PhotoTagsMinimum(t *testing.T) {
	e := newEngine(rank.DefaultConfig())
	tagged := rank.Photo{TagUIDs: []string{"u1", "u2"}}
	other := rank.Photo{TagUIDs: []string{"u2"}}

	one := computeFacebook(t, e, rank.Followee{Photos: []rank.Photo{tagged, other}}, "u1")
	if got := one.NetworkAffinity.PhotoTags.Value; got != 0 {
		t.Errorf("single tag below minimum: expected 0, got %v", got)
	}

	two := computeFacebook(t, e, rank.Followee{Photos: []rank.Photo{tagged, tagged, other}}, "u1")
	if got := two.NetworkAffinity.PhotoTags.Value; got != 2 {
		t.Errorf("two tags at minimum: expected 2, got %v", got)
	}
	if two.Value() != 2 {
		t.Errorf("expected total 2, got %v", two.Value())
	}
}

func TestCompute_AnnotationWindowBoundary(t *testing.T) {
	e := newEngine(rank.DefaultConfig())
	photos := []rank.Photo{
		{CreatedTime: daysAgo(90), LikeUIDs: []string{"u1"}},
		{CreatedTime: daysAgo(90).Add(-time.Second), LikeUIDs: []string{"u1"}},
		{CreatedTime: daysAgo(1), LikeUIDs: []string{"u2"}, CommentUIDs: []string{"u1", "u1", "u3"}},
		{LikeUIDs: []string{"u1"}},
	}
	statuses := []rank.Status{
		{CreatedTime: daysAgo(30), CommentUIDs: []string{"u1"}},
		{CreatedTime: daysAgo(31), LikeUIDs: []string{"u1"}},
		{CreatedTime: daysAgo(2), LikeUIDs: []string{"u1"}},
	}
	r := computeFacebook(t, e, rank.Followee{Photos: photos, Statuses: statuses}, "u1")

	if got := r.NetworkAffinity.PhotoAnnotations.Value; got != 3 {
		t.Errorf("photo annotations: expected 3 (boundary like + two comments), got %v", got)
	}
	if got := r.NetworkAffinity.StatusAnnotations.Value; got != 2 {
		t.Errorf("status annotations: expected 2, got %v", got)
	}
}

func TestCompute_Coefficients(t *testing.T) {
	cfg := rank.DefaultConfig()
	cfg.Facebook.SharedConnectionsCoefficient = 7
	cfg.Facebook.NetworkAffinityCoefficient = 2
	cfg.Facebook.PhotoTagsCoefficient = 3
	cfg.Facebook.PhotoAnnotationsCoefficient = 0.5
	cfg.Facebook.StatusAnnotationsCoefficient = 4
	e := newEngine(cfg)

	f := rank.Followee{
		Photos: []rank.Photo{
			{CreatedTime: daysAgo(1), TagUIDs: []string{"u1"}, LikeUIDs: []string{"u1"}},
			{CreatedTime: daysAgo(2), TagUIDs: []string{"u1"}, CommentUIDs: []string{"u1"}},
		},
		Statuses: []rank.Status{{CreatedTime: daysAgo(3), LikeUIDs: []string{"u1"}}},
	}
	r := computeFacebook(t, e, f, "u1")

	// PT=2, PA=2, SA=1 → NA = 2*3 + 2*0.5 + 1*4 = 11; FR = 0*7 + 11*2 = 22
	if r.NetworkAffinity.Value != 11 {
		t.Errorf("network affinity: expected 11, got %v", r.NetworkAffinity.Value)
	}
	if r.Value() != 22 {
		t.Errorf("total: expected 22, got %v", r.Value())
	}
	if r.SharedConnections.Value != 0 {
		t.Errorf("shared connections should be 0, got %v", r.SharedConnections.Value)
	}
}

func TestParams_RoundTrip(t *testing.T) {
	e := newEngine(rank.DefaultConfig())
	orig := computeFacebook(t, e, rank.Followee{
		Photos: []rank.Photo{
			{CreatedTime: daysAgo(1), TagUIDs: []string{"u1"}, LikeUIDs: []string{"u1"}},
			{CreatedTime: daysAgo(5), TagUIDs: []string{"u1"}},
		},
	}, "u1")

	direct, err := rank.FromParams(orig.Params())
	if err != nil {
		t.Fatalf("FromParams: %v", err)
	}
	assertSameRank(t, orig, direct)

	// Stored params come back from JSONB as plain maps.
	raw, err := json.Marshal(orig.Params())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded rank.Params
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	viaJSON, err := rank.FromParams(decoded)
	if err != nil {
		t.Fatalf("FromParams after JSON: %v", err)
	}
	assertSameRank(t, orig, viaJSON)
}

func TestFromParams_Errors(t *testing.T) {
	if _, err := rank.FromParams(rank.Params{"network": "twitter"}); !errors.Is(err, rank.ErrNotImplemented) {
		t.Errorf("expected ErrNotImplemented, got %v", err)
	}
	if _, err := rank.FromParams(rank.Params{"network": "facebook", "value": 1.0}); err == nil {
		t.Error("expected error for missing components")
	}
}

func assertSameRank(t *testing.T, want *rank.FacebookRank, got rank.FollowRank) {
	t.Helper()
	fr, ok := got.(*rank.FacebookRank)
	if !ok {
		t.Fatalf("expected *FacebookRank, got %T", got)
	}
	if *fr != *want {
		t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", *want, *fr)
	}
}
