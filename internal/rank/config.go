package rank

// NetworkFacebook is the network tag for the Facebook rank variant.
const NetworkFacebook = "facebook"

// FacebookConfig holds the Facebook rank coefficients. Windows are in days.
type FacebookConfig struct {
	SharedConnectionsCoefficient float64 `mapstructure:"shared_connections_coefficient" validate:"gte=0"`
	NetworkAffinityCoefficient   float64 `mapstructure:"network_affinity_coefficient" validate:"gte=0"`
	PhotoTagsCoefficient         float64 `mapstructure:"photo_tags_coefficient" validate:"gte=0"`
	PhotoTagsMinimum             int     `mapstructure:"photo_tags_minimum" validate:"gte=0"`
	PhotoAnnotationsCoefficient  float64 `mapstructure:"photo_annotations_coefficient" validate:"gte=0"`
	PhotoAnnotationsWindow       int     `mapstructure:"photo_annotations_window" validate:"gte=0"`
	StatusAnnotationsCoefficient float64 `mapstructure:"status_annotations_coefficient" validate:"gte=0"`
	StatusAnnotationsWindow      int     `mapstructure:"status_annotations_window" validate:"gte=0"`
}

// Config is the per-network rank configuration.
type Config struct {
	Facebook FacebookConfig `mapstructure:"facebook"`
}

// DefaultConfig returns unit coefficients, a photo tag minimum of 2, and
// annotation windows of 90 days for photos and 30 days for statuses.
func DefaultConfig() Config {
	return Config{
		Facebook: FacebookConfig{
			SharedConnectionsCoefficient: 1,
			NetworkAffinityCoefficient:   1,
			PhotoTagsCoefficient:         1,
			PhotoTagsMinimum:             2,
			PhotoAnnotationsCoefficient:  1,
			PhotoAnnotationsWindow:       90,
			StatusAnnotationsCoefficient: 1,
			StatusAnnotationsWindow:      30,
		},
	}
}
