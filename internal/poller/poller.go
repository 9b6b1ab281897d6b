// Package poller запускает периодическую задачу так, чтобы её выполнения никогда не перекрывались.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/paywallet/internal/lock"
	"github.com/mmeshcher/paywallet/internal/metrics"
)

// Task — одна итерация фоновой работы.
type Task func(ctx context.Context) error

// Runner вызывает Task по тикам. Если предыдущая итерация ещё идёт, тик пропускается.
type Runner struct {
	task     Task
	interval time.Duration

	locker  lock.Locker
	lockKey string
	lockTTL time.Duration

	logger  *zap.Logger
	metrics *metrics.Metrics

	running atomic.Bool
	wg      sync.WaitGroup
}

// Option настраивает Runner.
type Option func(*Runner)

// WithClusterLock включает межузловую блокировку: тик выполняется только на узле, захватившем key.
func WithClusterLock(locker lock.Locker, key string, ttl time.Duration) Option {
	return func(r *Runner) {
		r.locker = locker
		r.lockKey = key
		r.lockTTL = ttl
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// New создаёт Runner для задачи task с периодом interval.
func New(task Task, interval time.Duration, opts ...Option) *Runner {
	r := &Runner{
		task:     task,
		interval: interval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryTick выполняет задачу, если она не выполняется сейчас. Возвращает true, если задача была запущена.
func (r *Runner) TryTick(ctx context.Context) bool {
	if !r.running.CompareAndSwap(false, true) {
		r.metrics.ObserveReconcileTick("skipped", 0)
		return false
	}
	defer r.running.Store(false)

	if r.locker != nil {
		token, ok, err := r.locker.Acquire(ctx, r.lockKey, r.lockTTL)
		if err != nil {
			r.logger.Warn("cluster lock acquire failed", zap.String("key", r.lockKey), zap.Error(err))
			r.metrics.ObserveReconcileTick("error", 0)
			return false
		}
		if !ok {
			r.metrics.ObserveReconcileTick("locked", 0)
			return false
		}
		defer func() {
			if err := r.locker.Release(context.WithoutCancel(ctx), r.lockKey, token); err != nil {
				r.logger.Warn("cluster lock release failed", zap.String("key", r.lockKey), zap.Error(err))
			}
		}()
	}

	started := time.Now()
	if err := r.task(ctx); err != nil {
		r.logger.Error("tick failed", zap.Error(err))
		r.metrics.ObserveReconcileTick("error", time.Since(started))
		return true
	}
	r.metrics.ObserveReconcileTick("done", time.Since(started))
	return true
}

// Run обрабатывает тики из канала до отмены ctx или закрытия канала.
// Каждый тик запускается в отдельной горутине; Run дожидается их завершения перед возвратом.
func (r *Runner) Run(ctx context.Context, ticks <-chan time.Time) error {
	defer r.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ticks:
			if !ok {
				return nil
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.TryTick(ctx)
			}()
		}
	}
}

// Start запускает Run на системном таймере с периодом interval.
func (r *Runner) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	return r.Run(ctx, ticker.C)
}
