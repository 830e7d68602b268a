package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"go.uber.org/zap"
)

// SweepStore lists profiles due for periodic work.
type SweepStore interface {
	ListExpiring(ctx context.Context, network model.Network, before time.Time, limit int) ([]*model.Profile, error)
	ListStale(ctx context.Context, syncedBefore time.Time, limit int) ([]*model.Profile, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, t Task) (bool, error)
}

// ScheduleConfig controls the periodic sweeps. A zero interval disables
// that sweep.
type ScheduleConfig struct {
	ExpiryInterval time.Duration `mapstructure:"expiry_interval"`
	// ExpiryWindow selects tokens expiring within this long from now.
	ExpiryWindow  time.Duration `mapstructure:"expiry_window"`
	StaleInterval time.Duration `mapstructure:"stale_interval"`
	// StaleAfter selects profiles whose last full sync is older than this.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	BatchSize  int           `mapstructure:"batch_size" validate:"gte=0"`
}

// Scheduler enqueues token-extension and resync tasks on a timer.
type Scheduler struct {
	cron   *gocron.Scheduler
	store  SweepStore
	tasks  enqueuer
	cfg    ScheduleConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewScheduler registers the sweeps. Call Start to run them.
func NewScheduler(store SweepStore, tasks enqueuer, cfg ScheduleConfig, logger *zap.Logger) (*Scheduler, error) {
	if cfg.ExpiryWindow == 0 {
		cfg.ExpiryWindow = 7 * 24 * time.Hour
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}

	s := &Scheduler{
		cron:   gocron.NewScheduler(time.UTC),
		store:  store,
		tasks:  tasks,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	s.cron.SingletonModeAll()

	if cfg.ExpiryInterval > 0 {
		if _, err := s.cron.Every(cfg.ExpiryInterval).Do(s.sweep, "expiring", s.SweepExpiring); err != nil {
			return nil, fmt.Errorf("schedule expiry sweep: %w", err)
		}
	}
	if cfg.StaleInterval > 0 {
		if _, err := s.cron.Every(cfg.StaleInterval).Do(s.sweep, "stale", s.SweepStale); err != nil {
			return nil, fmt.Errorf("schedule stale sweep: %w", err)
		}
	}
	return s, nil
}

// Start runs the sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.StartAsync()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Jobs())))
}

// Stop halts the sweeps.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) sweep(name string, fn func(context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := fn(ctx)
	if err != nil {
		s.logger.Error("sweep failed", zap.String("sweep", name), zap.Error(err))
		return
	}
	s.logger.Info("sweep done", zap.String("sweep", name), zap.Int("enqueued", n))
}

// SweepExpiring enqueues token extension for Facebook profiles whose token
// expires within the configured window.
func (s *Scheduler) SweepExpiring(ctx context.Context) (int, error) {
	profiles, err := s.store.ListExpiring(ctx, model.NetworkFacebook, s.now().Add(s.cfg.ExpiryWindow), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expiring: %w", err)
	}
	return s.enqueueAll(ctx, KindExtendToken, profiles), nil
}

// SweepStale enqueues a full sync for connected profiles not synced within
// the configured age.
func (s *Scheduler) SweepStale(ctx context.Context) (int, error) {
	profiles, err := s.store.ListStale(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale: %w", err)
	}
	return s.enqueueAll(ctx, KindSync, profiles), nil
}

func (s *Scheduler) enqueueAll(ctx context.Context, kind Kind, profiles []*model.Profile) int {
	n := 0
	for _, p := range profiles {
		ok, err := s.tasks.Enqueue(ctx, TaskFor(kind, p))
		if err != nil {
			s.logger.Warn("enqueue failed",
				zap.String("kind", string(kind)),
				zap.String("profile_id", p.ID.String()),
				zap.Error(err))
			continue
		}
		if ok {
			n++
		}
	}
	return n
}

// TaskFor builds a task addressing p.
func TaskFor(kind Kind, p *model.Profile) Task {
	return Task{Kind: kind, Network: p.Network, Type: p.Type, ProfileID: p.ID, PersonID: p.PersonID, UID: p.UID}
}
