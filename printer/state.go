package printer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/john/flashforge_link/logger"
)

// DefaultPollInterval is the status polling cadence.
const DefaultPollInterval = 2 * time.Second

// StatusQuerier is anything that can produce a status snapshot.
type StatusQuerier interface {
	Status(ctx context.Context) StatusResult
}

// StatusCallback receives every poll outcome. err is non-nil when the
// result is not successful.
type StatusCallback func(result StatusResult, err error)

// Poller runs the periodic status loop for one session. At most one loop
// runs at a time; Start replaces any loop already running.
type Poller struct {
	querier  StatusQuerier
	interval time.Duration
	callback StatusCallback
	log      *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	paused atomic.Bool
}

// NewPoller creates a poller. A non-positive interval uses DefaultPollInterval.
func NewPoller(q StatusQuerier, interval time.Duration, cb StatusCallback, log *logger.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Poller{
		querier:  q,
		interval: interval,
		callback: cb,
		log:      log,
	}
}

// Interval returns the polling cadence.
func (p *Poller) Interval() time.Duration { return p.interval }

// Start begins polling. Any running loop is stopped first.
func (p *Poller) Start() {
	p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go p.run(ctx, done)
}

// Stop halts the loop and waits for it to exit. Safe to call repeatedly.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether a loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Pause suppresses timer driven polls, e.g. during an upload.
func (p *Poller) Pause() { p.paused.Store(true) }

// Resume re-enables timer driven polls.
func (p *Poller) Resume() { p.paused.Store(false) }

// RefreshNow polls once outside the timer cadence. Overlapping calls are not
// deduplicated.
func (p *Poller) RefreshNow(ctx context.Context) (StatusResult, error) {
	return p.poll(ctx)
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)

	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if p.paused.Load() {
		return
	}
	pollCtx, cancel := context.WithTimeout(ctx, p.interval*5)
	defer cancel()

	if _, err := p.poll(pollCtx); err != nil && ctx.Err() == nil {
		p.log.Debugw("status poll failed", "err", err)
	}
}

// poll never lets a panic escape into the timer goroutine.
func (p *Poller) poll(ctx context.Context) (result StatusResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("status poll panicked: %v", r)
			result = StatusResult{Timestamp: time.Now(), Error: err.Error()}
			p.log.Errorw("status poll panicked", "panic", r)
		}
	}()

	result = p.querier.Status(ctx)
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "status query failed"
		}
		err = errors.New(msg)
	}

	if p.callback != nil {
		p.callback(result, err)
	}
	return result, err
}
