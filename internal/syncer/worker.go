package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmerrifield20/profilesync/internal/jobs"
	"github.com/jmerrifield20/profilesync/internal/profiles/model"
	"github.com/jmerrifield20/profilesync/internal/profiles/repository"
	"go.uber.org/zap"
)

// Worker executes dispatched tasks against the orchestrator.
type Worker struct {
	store  Store
	orch   *Orchestrator
	logger *zap.Logger
}

// NewWorker creates a Worker.
func NewWorker(store Store, orch *Orchestrator, logger *zap.Logger) *Worker {
	return &Worker{store: store, orch: orch, logger: logger}
}

// Run implements jobs.Runner. Missing and disconnected profiles are skipped
// with a warning rather than failed, since retrying cannot help them.
func (w *Worker) Run(ctx context.Context, t jobs.Task) error {
	p, err := w.resolve(ctx, t)
	if errors.Is(err, repository.ErrNotFound) {
		w.logger.Warn("task profile not found", zap.String("key", t.Key()), zap.String("kind", string(t.Kind)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve task profile: %w", err)
	}
	if !p.Connected() {
		w.logger.Warn("task profile not connected", zap.String("key", t.Key()), zap.String("profile_id", p.ID.String()))
		return nil
	}

	switch t.Kind {
	case jobs.KindSync:
		n, err := w.orch.Sync(ctx, p, w.newPerson)
		if err != nil {
			return err
		}
		w.logger.Info("profile synced", zap.String("profile_id", p.ID.String()), zap.Int("followers", n))
		return nil
	case jobs.KindSyncAttrs:
		return w.orch.SyncAttrsOnly(ctx, p)
	case jobs.KindExtendToken:
		return w.orch.ExtendTokenExpiry(ctx, p)
	}
	return fmt.Errorf("unknown task kind %q", t.Kind)
}

func (w *Worker) resolve(ctx context.Context, t jobs.Task) (*model.Profile, error) {
	switch {
	case t.ProfileID != uuid.Nil:
		return w.store.GetByID(ctx, t.ProfileID)
	case t.UID != "":
		return w.store.FindByUID(ctx, t.Network, t.UID)
	case t.PersonID != nil && t.Type != "":
		ps, err := w.store.ListForPerson(ctx, *t.PersonID)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			if p.Network == t.Network && p.Type == t.Type {
				return p, nil
			}
		}
		return nil, repository.ErrNotFound
	case t.PersonID != nil:
		return w.store.FindForPerson(ctx, *t.PersonID, t.Network)
	}
	return nil, repository.ErrNotFound
}

// newPerson mints person ids for followers first seen during a sync.
func (w *Worker) newPerson(ctx context.Context) (int64, error) {
	return w.store.NextPersonID(ctx)
}
