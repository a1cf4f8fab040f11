// Package directory connects a witness node to the key directory it audits.
// The directory is the audited party: it publishes one root and one
// append-only proof per epoch, and the witnesses pull them from here.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/keyfold/witness"
)

const (
	// DefaultInterval between directory scans.
	DefaultInterval = 10 * time.Second
	// DefaultAhead is how many unpublished epochs one scan asks for.
	DefaultAhead = 4

	retryBase          = 250 * time.Millisecond
	retryCap           = 2 * time.Second
	retryJitterPercent = 10
	retryMaxAttempts   = 3
)

// Progress reports how far the local node has committed, deciding which
// epoch the poller asks the directory for next.
type Progress interface {
	Watermark() uint64
}

// Config carries the tunables of a [Poller].
type Config struct {
	// Interval between directory scans. Zero means DefaultInterval.
	Interval time.Duration
	// Ahead bounds how many epochs past the watermark one scan requests.
	// It should not exceed the engine's in-flight window.
	Ahead uint64
}

func (cfg Config) withDefaults() Config {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Ahead == 0 {
		cfg.Ahead = DefaultAhead
	}
	return cfg
}

// Option configures a [Poller].
type Option func(*Poller)

// WithLogger sets the logger the poller logs through.
func WithLogger(log *slog.Logger) Option {
	return func(p *Poller) {
		p.log = log
	}
}

// Poller keeps a witness node fed with directory proofs. It scans on an
// interval, always starting right above the committed watermark, so
// everything the node still has in flight is offered again and a retired
// epoch gets its proof resubmitted without operator involvement.
type Poller struct {
	cfg Config

	dir     witness.Directory
	handler witness.Handler
	prog    Progress

	log *slog.Logger

	closeCh chan struct{}
	doneCh  chan struct{}
}

// NewPoller assembles a poller pulling from dir and feeding handler.
func NewPoller(dir witness.Directory, handler witness.Handler, prog Progress, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		cfg:     cfg.withDefaults(),
		dir:     dir,
		handler: handler,
		prog:    prog,
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("module", "directory")
	return p
}

func (p *Poller) Start() {
	go p.run()
}

func (p *Poller) Stop(ctx context.Context) error {
	close(p.closeCh)
	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) run() {
	defer close(p.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.closeCh
		cancel()
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// scan right away instead of sitting out the first interval
	p.scan(ctx)
	for {
		select {
		case <-ticker.C:
			p.scan(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// scan offers every proof the window has room for, stopping at the first
// epoch the directory has not published. The directory publishes
// sequentially, so nothing later can exist either.
func (p *Poller) scan(ctx context.Context) {
	last := p.prog.Watermark()
	for num := last + 1; num <= last+p.cfg.Ahead; num++ {
		proof, err := p.fetch(ctx, num)
		switch {
		case errors.Is(err, witness.ErrNotYetPublished), errors.Is(err, context.Canceled):
			return
		case err != nil:
			p.log.Warn("fetching epoch proof", "epoch", num, "err", err)
			return
		}

		if err = p.handler.HandleProof(ctx, proof); err != nil {
			p.log.Debug("proof not taken", "epoch", num, "err", err)
		}
	}
}

// fetch rides out the publication lag with a short capped backoff. Anything
// but the directory being behind fails the fetch immediately.
func (p *Poller) fetch(ctx context.Context, num uint64) (*witness.Proof, error) {
	backoff, err := retry.NewExponential(retryBase)
	if err != nil {
		return nil, err
	}
	backoff = retry.WithCappedDuration(retryCap, backoff)
	backoff = retry.WithJitterPercent(retryJitterPercent, backoff)
	backoff = retry.WithMaxRetries(retryMaxAttempts, backoff)

	var proof *witness.Proof
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		proof, err = p.dir.EpochProof(ctx, num)
		if errors.Is(err, witness.ErrNotYetPublished) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return proof, nil
}
