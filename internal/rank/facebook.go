package rank

import (
	"fmt"
	"time"
)

const (
	paramNetwork           = "network"
	paramValue             = "value"
	paramCoefficient       = "coefficient"
	paramSharedConnections = "shared_connections"
	paramNetworkAffinity   = "network_affinity"
	paramPhotoTags         = "photo_tags"
	paramPhotoAnnotations  = "photo_annotations"
	paramStatusAnnotations = "status_annotations"
)

// Component is one weighted term of a rank.
type Component struct {
	Value       float64
	Coefficient float64
}

// Weighted returns Value * Coefficient.
func (c Component) Weighted() float64 {
	return c.Value * c.Coefficient
}

func (c Component) params() Params {
	return Params{paramValue: c.Value, paramCoefficient: c.Coefficient}
}

// Affinity is the network-affinity term and its three sub-components.
type Affinity struct {
	Component
	PhotoTags         Component
	PhotoAnnotations  Component
	StatusAnnotations Component
}

// FacebookRank is the Facebook variant:
//
//	FR = SC*coeff_SC + NA*coeff_NA
//	NA = PT*coeff_PT + PA*coeff_PA + SA*coeff_SA
type FacebookRank struct {
	Total             float64
	SharedConnections Component
	NetworkAffinity   Affinity
}

func (r *FacebookRank) Network() string { return NetworkFacebook }
func (r *FacebookRank) Value() float64  { return r.Total }

// Params flattens the rank into nested value/coefficient maps.
func (r *FacebookRank) Params() Params {
	na := r.NetworkAffinity.params()
	na[paramPhotoTags] = r.NetworkAffinity.PhotoTags.params()
	na[paramPhotoAnnotations] = r.NetworkAffinity.PhotoAnnotations.params()
	na[paramStatusAnnotations] = r.NetworkAffinity.StatusAnnotations.params()
	return Params{
		paramNetwork:           NetworkFacebook,
		paramValue:             r.Total,
		paramSharedConnections: r.SharedConnections.params(),
		paramNetworkAffinity:   na,
	}
}

func computeFacebook(cfg FacebookConfig, followee Followee, followerUID string, now time.Time) *FacebookRank {
	pt := Component{
		Value:       float64(photoTags(followee.Photos, followerUID, cfg.PhotoTagsMinimum)),
		Coefficient: cfg.PhotoTagsCoefficient,
	}
	pa := Component{
		Value:       float64(photoAnnotations(followee.Photos, followerUID, now, cfg.PhotoAnnotationsWindow)),
		Coefficient: cfg.PhotoAnnotationsCoefficient,
	}
	sa := Component{
		Value:       float64(statusAnnotations(followee.Statuses, followerUID, now, cfg.StatusAnnotationsWindow)),
		Coefficient: cfg.StatusAnnotationsCoefficient,
	}
	na := Affinity{
		Component: Component{
			Value:       pt.Weighted() + pa.Weighted() + sa.Weighted(),
			Coefficient: cfg.NetworkAffinityCoefficient,
		},
		PhotoTags:         pt,
		PhotoAnnotations:  pa,
		StatusAnnotations: sa,
	}
	sc := Component{
		Value:       sharedConnections(followee, followerUID),
		Coefficient: cfg.SharedConnectionsCoefficient,
	}
	return &FacebookRank{
		Total:             sc.Weighted() + na.Weighted(),
		SharedConnections: sc,
		NetworkAffinity:   na,
	}
}

// sharedConnections is not computed yet and always contributes zero. The
// component is kept so its coefficient stays visible in stored params.
// TODO: count mutual friends once the friends graph is fetched during sync.
func sharedConnections(Followee, string) float64 {
	return 0
}

// photoTags counts photos tagging uid, floored to zero below minimum.
func photoTags(photos []Photo, uid string, minimum int) int {
	n := 0
	for _, p := range photos {
		if containsUID(p.TagUIDs, uid) {
			n++
		}
	}
	if n < minimum {
		return 0
	}
	return n
}

// photoAnnotations counts likes and comments by uid on photos inside the window.
func photoAnnotations(photos []Photo, uid string, now time.Time, days int) int {
	n := 0
	for _, p := range photos {
		if !inWindow(p.CreatedTime, now, days) {
			continue
		}
		n += countUID(p.LikeUIDs, uid) + countUID(p.CommentUIDs, uid)
	}
	return n
}

func statusAnnotations(statuses []Status, uid string, now time.Time, days int) int {
	n := 0
	for _, s := range statuses {
		if !inWindow(s.CreatedTime, now, days) {
			continue
		}
		n += countUID(s.LikeUIDs, uid) + countUID(s.CommentUIDs, uid)
	}
	return n
}

func facebookFromParams(p Params) (*FacebookRank, error) {
	total, err := floatParam(p, paramValue)
	if err != nil {
		return nil, err
	}
	scParams, err := subParams(p, paramSharedConnections)
	if err != nil {
		return nil, err
	}
	sc, err := componentFromParams(scParams)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", paramSharedConnections, err)
	}
	naParams, err := subParams(p, paramNetworkAffinity)
	if err != nil {
		return nil, err
	}
	na, err := componentFromParams(naParams)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", paramNetworkAffinity, err)
	}
	r := &FacebookRank{Total: total, SharedConnections: sc, NetworkAffinity: Affinity{Component: na}}
	for key, dst := range map[string]*Component{
		paramPhotoTags:         &r.NetworkAffinity.PhotoTags,
		paramPhotoAnnotations:  &r.NetworkAffinity.PhotoAnnotations,
		paramStatusAnnotations: &r.NetworkAffinity.StatusAnnotations,
	} {
		sub, err := subParams(naParams, key)
		if err != nil {
			return nil, err
		}
		if *dst, err = componentFromParams(sub); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	return r, nil
}
