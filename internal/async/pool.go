package async

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/oggyb/muzz-connect/internal/config"
	"github.com/oggyb/muzz-connect/internal/metrics"
)

// Runner executes best-effort work off the request path. Failures are logged,
// never returned.
type Runner interface {
	Go(ctx context.Context, name string, task func(ctx context.Context))
}

// Pool is an ants-backed Runner. Tasks get a context detached from the
// caller's cancellation but bounded by the configured timeout.
type Pool struct {
	pool           *ants.Pool
	timeout        time.Duration
	releaseTimeout time.Duration
	log            *slog.Logger
}

// ErrClosed is returned by Submit after Release.
var ErrClosed = errors.New("async pool closed")

func New(cfg config.AsyncConfig, log *slog.Logger) (*Pool, error) {
	size := cfg.PoolSize
	if size <= 0 {
		size = 256
	}
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	p, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(r any) {
			log.Error("async task panic", "panic", r, "stack", string(debug.Stack()))
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p, timeout: timeout, releaseTimeout: cfg.ReleaseTimeout, log: log}, nil
}

// Go schedules task. When the pool is saturated the task is dropped and
// logged: side effects must never block the caller.
func (p *Pool) Go(ctx context.Context, name string, task func(ctx context.Context)) {
	if task == nil {
		return
	}
	base := context.Background()
	if ctx != nil {
		base = context.WithoutCancel(ctx)
	}

	err := p.pool.Submit(func() {
		runCtx, cancel := context.WithTimeout(base, p.timeout)
		defer cancel()
		runTask(runCtx, p.log, name, task)
	})
	if err != nil {
		metrics.AsyncTasksTotal.WithLabelValues(name, "dropped").Inc()
		p.log.Warn("async submit failed", "task", name, "err", err)
	}
}

// Running is the number of tasks currently executing.
func (p *Pool) Running() int { return p.pool.Running() }

// Release waits for running tasks up to the configured timeout.
func (p *Pool) Release() error {
	if p.releaseTimeout > 0 {
		return p.pool.ReleaseTimeout(p.releaseTimeout)
	}
	p.pool.Release()
	return nil
}

// Inline runs tasks synchronously on the caller's goroutine. Tests use it to
// make side effects observable without sleeping.
type Inline struct {
	Log *slog.Logger
}

func (i Inline) Go(ctx context.Context, name string, task func(ctx context.Context)) {
	if task == nil {
		return
	}
	log := i.Log
	if log == nil {
		log = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runTask(context.WithoutCancel(ctx), log, name, task)
}

func runTask(ctx context.Context, log *slog.Logger, name string, task func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			metrics.AsyncTasksTotal.WithLabelValues(name, "panic").Inc()
			log.Error("async task panic", "task", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		metrics.AsyncTasksTotal.WithLabelValues(name, "timeout").Inc()
		log.Warn("async task timeout", "task", name)
		return
	}
	metrics.AsyncTasksTotal.WithLabelValues(name, "ok").Inc()
}
