// Package reward resolves what the viewer receives when a gift opens.
//
// A Fetcher starts the remote open as soon as the viewer opens the gift and
// returns a Pending handle immediately. The open animation never waits for
// it: the flow calls Pending.Resolve once the reveal is on screen, and
// Resolve always produces something to show, falling back to a placeholder
// titled "gift".
package reward

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/roach88/underthetree/internal/ids"
	"github.com/roach88/underthetree/internal/remote"
	"github.com/roach88/underthetree/internal/syncx"
)

// PlaceholderTitle is shown when nothing better is known.
const PlaceholderTitle = "gift"

// Sources of a reward.
const (
	SourceRemote      = "remote"
	SourceEnrich      = "enrich"
	SourceLocal       = "local"
	SourceWish        = "wish"
	SourcePlaceholder = "placeholder"
)

// Reward is what the reveal shows.
type Reward struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	OpenID      string          `json:"open_id,omitempty"`
	GiftID      string          `json:"gift_id,omitempty"`
	OpenedAt    string          `json:"opened_at,omitempty"`
	ClientOpID  string          `json:"client_op_id,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Source      string          `json:"source"`
}

func fromOpen(o *remote.Open, source string) Reward {
	return Reward{
		Title:       o.Title,
		Description: o.Description,
		Meta:        o.Meta,
		OpenID:      o.OpenID,
		GiftID:      o.GiftID,
		OpenedAt:    o.OpenedAt,
		ClientOpID:  o.ClientOpID,
		Reason:      o.Reason,
		Source:      source,
	}
}

// Store is the part of the remote store the fetcher uses.
type Store interface {
	Configured() bool
	OpenGiftForUser(ctx context.Context, userID, clientOpID string) (*remote.Open, error)
	FindOpenByClientOp(ctx context.Context, clientOpID string) (*remote.Open, error)
	LatestOpen(ctx context.Context, userID string) (*remote.Open, error)
}

// Options configures a Fetcher. Zero durations take the defaults.
type Options struct {
	Store      Store
	Candidates *Candidates
	IDs        ids.Generator
	// Rand returns a value in [0,1) for the wish injection roll.
	Rand   func() float64
	Intn   func(n int) int
	Logger *slog.Logger

	// OpenBudget bounds the store call and HardTimeout the whole open,
	// baseline read included. OpenBudget is the shorter one, so a slow
	// store degrades to the local catalog. The placeholder shows only when
	// the baseline read and the open together overrun HardTimeout.
	OpenBudget     time.Duration // 9s
	HardTimeout    time.Duration // 9.5s
	EnrichJoin     time.Duration // 2.5s
	EnrichPoll     time.Duration // 4s
	EnrichWindow   time.Duration // 12s
	PollByClientOp time.Duration // 700ms
	PollLatest     time.Duration // 900ms
	LastSeenBudget time.Duration // 1.5s
}

func (o Options) withDefaults() Options {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&o.OpenBudget, 9*time.Second)
	def(&o.HardTimeout, 9500*time.Millisecond)
	def(&o.EnrichJoin, 2500*time.Millisecond)
	def(&o.EnrichPoll, 4*time.Second)
	def(&o.EnrichWindow, 12*time.Second)
	def(&o.PollByClientOp, 700*time.Millisecond)
	def(&o.PollLatest, 900*time.Millisecond)
	def(&o.LastSeenBudget, 1500*time.Millisecond)
	if o.IDs == nil {
		o.IDs = ids.UUIDv7Generator{}
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	if o.Intn == nil {
		o.Intn = rand.IntN
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Fetcher starts reward lookups.
type Fetcher struct {
	opts Options
}

// New returns a Fetcher.
func New(opts Options) *Fetcher {
	return &Fetcher{opts: opts.withDefaults()}
}

func (f *Fetcher) remoteReady() bool {
	return f.opts.Store != nil && f.opts.Store.Configured()
}

// Pending is an in-flight reward lookup.
type Pending struct {
	f          *Fetcher
	userID     string
	ClientOpID string
	lastSeen   *syncx.Future[string]
	primary    *syncx.Future[Reward]
	enrich     *syncx.Future[*remote.Open]
}

// Begin starts the open and the parallel enrichment poll under ctx. The
// returned Pending is resolved later with Resolve.
func (f *Fetcher) Begin(ctx context.Context, userID string) *Pending {
	o := f.opts
	p := &Pending{f: f, userID: userID, ClientOpID: o.IDs.Generate()}

	if f.remoteReady() {
		p.lastSeen = syncx.Go(ctx, func(ctx context.Context) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, o.LastSeenBudget)
			defer cancel()
			open, err := o.Store.LatestOpen(ctx, userID)
			if err != nil || open == nil {
				return "", err
			}
			return open.OpenID, nil
		})
	} else {
		p.lastSeen = syncx.Resolved("", nil)
	}

	p.primary = syncx.Go(ctx, func(ctx context.Context) (Reward, error) {
		return syncx.WithTimeout(ctx, o.HardTimeout, "open_gift", p.open)
	})

	if f.remoteReady() {
		p.enrich = syncx.Go(ctx, func(ctx context.Context) (*remote.Open, error) {
			return f.pollByClientOp(ctx, p.ClientOpID, o.EnrichWindow)
		})
	} else {
		p.enrich = syncx.Resolved[*remote.Open](nil, nil)
	}
	return p
}

// open asks the store to record an open, falling back to the local
// catalog when the store is unavailable or fails.
func (p *Pending) open(ctx context.Context) (Reward, error) {
	o := p.f.opts
	if p.f.remoteReady() {
		// The newest-open baseline must be read before this open lands.
		p.lastSeen.Await(ctx, o.LastSeenBudget)

		octx, cancel := context.WithTimeout(ctx, o.OpenBudget)
		opened, err := o.Store.OpenGiftForUser(octx, p.userID, p.ClientOpID)
		cancel()
		if err == nil && opened != nil {
			r := fromOpen(opened, SourceRemote)
			if r.ClientOpID == "" {
				r.ClientOpID = p.ClientOpID
			}
			return r, nil
		}
		if ctx.Err() != nil {
			return Reward{}, ctx.Err()
		}
		o.Logger.Warn("remote gift open failed, using local catalog", "client_op_id", p.ClientOpID, "error", err)
	}
	return LocalFallback(o.Intn), nil
}

// Resolve returns the reward to show. It waits for the primary open (at
// most the hard timeout), joins the enrichment poll briefly, then polls
// for details if the open had none. It never fails.
func (p *Pending) Resolve(ctx context.Context) Reward {
	o := p.f.opts

	opened, err := p.primary.Await(ctx, o.HardTimeout)
	if err != nil {
		o.Logger.Info("gift open did not resolve", "client_op_id", p.ClientOpID, "error", err)
		opened = Reward{}
	}

	if !hasDetails(opened) {
		if en, _ := p.enrich.Await(ctx, o.EnrichJoin); en.HasDetails() && hasDetails(fromOpen(en, SourceEnrich)) {
			opened = fromOpen(en, SourceEnrich)
		}
	}

	if !hasDetails(opened) && p.f.remoteReady() && ctx.Err() == nil {
		if found := p.pollDetails(ctx); found != nil {
			opened = fromOpen(found, SourceEnrich)
		}
	}

	if o.Candidates != nil {
		opened = o.Candidates.MaybeApply(ctx, opened, o.Rand())
	}
	if opened.Title == "" {
		opened.Title = PlaceholderTitle
		if opened.Source == "" {
			opened.Source = SourcePlaceholder
		}
	}
	if opened.ClientOpID == "" {
		opened.ClientOpID = p.ClientOpID
	}
	return opened
}

// pollDetails polls by client op id, then for any newer open than the
// baseline, each bounded by the enrichment poll window.
func (p *Pending) pollDetails(ctx context.Context) *remote.Open {
	o := p.f.opts
	if open, _ := p.f.pollByClientOp(ctx, p.ClientOpID, o.EnrichPoll); open != nil {
		return open
	}
	lastSeen, _ := p.lastSeen.Await(ctx, o.LastSeenBudget)
	open, _ := p.f.pollLatest(ctx, p.userID, lastSeen, o.EnrichPoll)
	return open
}

func (f *Fetcher) pollByClientOp(ctx context.Context, clientOpID string, window time.Duration) (*remote.Open, error) {
	return poll(ctx, window, f.opts.PollByClientOp, func(ctx context.Context) (*remote.Open, error) {
		return f.opts.Store.FindOpenByClientOp(ctx, clientOpID)
	})
}

func (f *Fetcher) pollLatest(ctx context.Context, userID, lastSeen string, window time.Duration) (*remote.Open, error) {
	return poll(ctx, window, f.opts.PollLatest, func(ctx context.Context) (*remote.Open, error) {
		open, err := f.opts.Store.LatestOpen(ctx, userID)
		if err != nil || open == nil || open.OpenID == lastSeen {
			return nil, err
		}
		return open, nil
	})
}

// poll calls fn every interval until it returns an open, fn fails with a
// permanent store error, or window elapses.
func poll(ctx context.Context, window, interval time.Duration, fn func(context.Context) (*remote.Open, error)) (*remote.Open, error) {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	for {
		open, err := fn(ctx)
		if open != nil && open.OpenID != "" {
			return open, nil
		}
		var re *remote.Error
		if errors.As(err, &re) && !re.Retryable() {
			return nil, err
		}
		if werr := syncx.Wait(ctx, interval); werr != nil {
			return nil, werr
		}
	}
}

// hasDetails reports whether r names a real gift. The placeholder title
// does not count.
func hasDetails(r Reward) bool {
	return (r.Title != "" && r.Title != PlaceholderTitle) || r.Description != ""
}
