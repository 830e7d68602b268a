package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmerrifield20/profilesync/internal/metrics"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by Enqueue when the queue has no free slot.
var ErrQueueFull = errors.New("task queue full")

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("dispatcher stopped")

// Runner executes one task.
type Runner interface {
	Run(ctx context.Context, t Task) error
}

// Config tunes the Dispatcher.
type Config struct {
	Workers   int `mapstructure:"workers" validate:"gte=0"`
	QueueSize int `mapstructure:"queue_size" validate:"gte=0"`
	// TaskTimeout bounds a single task run.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// LockTTL bounds how long a key stays held if a process dies mid-task.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

type queued struct {
	task  Task
	token string
}

// Dispatcher runs tasks on a bounded worker pool.
type Dispatcher struct {
	runner Runner
	locker Locker
	cfg    Config
	logger *zap.Logger

	queue   chan queued
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
}

// NewDispatcher creates a Dispatcher. Call Start to begin processing.
func NewDispatcher(runner Runner, locker Locker, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 256
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	return &Dispatcher{
		runner: runner,
		locker: locker,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan queued, cfg.QueueSize),
	}
}

// Start launches the workers.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	d.logger.Info("dispatcher started", zap.Int("workers", d.cfg.Workers))
}

// Stop refuses new tasks, lets the workers finish the queue and waits for
// them. Cancel the context passed to Start to abandon queued tasks instead.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
}

// Enqueue submits t. It reports false without error when a task with the
// same key is already queued or running.
func (d *Dispatcher) Enqueue(ctx context.Context, t Task) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return false, ErrStopped
	}

	key := t.Key()
	token, ok, err := d.locker.TryLock(ctx, key, d.cfg.LockTTL)
	if err != nil {
		return false, fmt.Errorf("lock task %s: %w", key, err)
	}
	if !ok {
		metrics.RecordJob(string(t.Kind), "deduplicated")
		d.logger.Debug("task already pending", zap.String("key", key), zap.String("kind", string(t.Kind)))
		return false, nil
	}

	select {
	case d.queue <- queued{task: t, token: token}:
		metrics.RecordJob(string(t.Kind), "enqueued")
		return true, nil
	default:
		d.release(ctx, key, token)
		metrics.RecordJob(string(t.Kind), "rejected")
		return false, ErrQueueFull
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for item := range d.queue {
		d.run(ctx, item)
	}
}

func (d *Dispatcher) run(ctx context.Context, item queued) {
	key := item.task.Key()
	defer d.release(context.Background(), key, item.token)

	if ctx.Err() != nil {
		metrics.RecordJob(string(item.task.Kind), "canceled")
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, d.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	err := d.runTask(runCtx, item.task)
	fields := []zap.Field{
		zap.String("key", key),
		zap.String("kind", string(item.task.Kind)),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		metrics.RecordJob(string(item.task.Kind), "failed")
		d.logger.Warn("task failed", append(fields, zap.Error(err))...)
		return
	}
	metrics.RecordJob(string(item.task.Kind), "succeeded")
	d.logger.Debug("task done", fields...)
}

// runTask shields the worker from a panicking task.
func (d *Dispatcher) runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return d.runner.Run(ctx, t)
}

func (d *Dispatcher) release(ctx context.Context, key, token string) {
	if err := d.locker.Unlock(ctx, key, token); err != nil {
		d.logger.Warn("release task lock", zap.String("key", key), zap.Error(err))
	}
}
