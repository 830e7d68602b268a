package network

import (
	"errors"
	"time"

	"github.com/jmerrifield20/profilesync/internal/metrics"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerConfig tunes the per-network circuit breaker.
type BreakerConfig struct {
	// MinRequests is the sample size before the failure ratio is considered.
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio" validate:"gte=0,lte=1"`
	OpenTimeout  time.Duration `mapstructure:"open_timeout"`
	Interval     time.Duration `mapstructure:"interval"`
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MinRequests == 0 {
		c.MinRequests = 10
	}
	if c.FailureRatio == 0 {
		c.FailureRatio = 0.6
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 2 * time.Minute
	}
	if c.Interval == 0 {
		c.Interval = time.Minute
	}
	return c
}

// newBreaker builds a breaker that trips on transport failures and 5xx
// responses only. Provider errors such as revoked tokens are per-account and
// must not open the circuit for everyone else.
func newBreaker(network model.Network, cfg BreakerConfig, logger *zap.Logger) *gobreaker.CircuitBreaker[[]byte] {
	cfg = cfg.withDefaults()
	name := string(network)
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !(errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout))
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("network", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SetBreakerState(name, from.String(), to.String(), stateValue(to))
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
