package reward

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/underthetree/internal/remote"
)

// InjectProbability is the chance that a pending wish is shown as the
// reward.
const InjectProbability = 1.0 / 3.0

const candidateKey = "wish_gift_candidate"

// KV persists small JSON documents.
type KV interface {
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	PutJSON(ctx context.Context, key string, v any) error
}

// GiftFinder looks up a catalog gift by title.
type GiftFinder interface {
	FindGiftByTitle(ctx context.Context, title string) (*remote.Gift, error)
}

// Candidate is a saved wish that may be shown once as a reward.
type Candidate struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Gift        *remote.Gift `json:"gift,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Shown       bool         `json:"shown"`
}

// Candidates stores the single wish-gift candidate.
type Candidates struct {
	kv     KV
	finder GiftFinder
	now    func() time.Time
	logger *slog.Logger
}

// NewCandidates returns a candidate store over kv. finder may be nil.
func NewCandidates(kv KV, finder GiftFinder, logger *slog.Logger) *Candidates {
	if logger == nil {
		logger = slog.Default()
	}
	return &Candidates{kv: kv, finder: finder, now: time.Now, logger: logger}
}

// Record saves a candidate for title, replacing any previous one. A
// matching catalog gift is attached when the finder knows one.
func (c *Candidates) Record(ctx context.Context, title, description string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	cand := Candidate{
		Title:       title,
		Description: strings.TrimSpace(description),
		CreatedAt:   c.now().UTC(),
	}
	if c.finder != nil {
		fctx, cancel := context.WithTimeout(ctx, 2500*time.Millisecond)
		if g, err := c.finder.FindGiftByTitle(fctx, title); err == nil {
			cand.Gift = g
		}
		cancel()
	}
	return c.kv.PutJSON(ctx, candidateKey, cand)
}

// Load returns the unshown candidate, or nil.
func (c *Candidates) Load(ctx context.Context) (*Candidate, error) {
	var cand Candidate
	ok, err := c.kv.GetJSON(ctx, candidateKey, &cand)
	if err != nil || !ok || cand.Shown || cand.Title == "" {
		return nil, err
	}
	return &cand, nil
}

// MaybeApply replaces r with the candidate when roll falls under
// InjectProbability, and marks the candidate shown.
func (c *Candidates) MaybeApply(ctx context.Context, r Reward, roll float64) Reward {
	cand, err := c.Load(ctx)
	if err != nil {
		c.logger.Debug("wish candidate unavailable", "error", err)
		return r
	}
	if cand == nil || roll > InjectProbability {
		return r
	}

	out := r
	out.Title = firstNonEmpty(giftTitle(cand.Gift), cand.Title, r.Title, PlaceholderTitle)
	out.Description = firstNonEmpty(cand.Description, giftDescription(cand.Gift), r.Description)
	if cand.Gift != nil {
		out.GiftID = cand.Gift.ID
		out.Meta = cand.Gift.Meta
	}
	out.Reason = "wish"
	out.Source = SourceWish

	cand.Shown = true
	if err := c.kv.PutJSON(ctx, candidateKey, cand); err != nil {
		c.logger.Warn("could not mark wish candidate shown", "error", err)
	}
	return out
}

func giftTitle(g *remote.Gift) string {
	if g == nil {
		return ""
	}
	return g.Title
}

func giftDescription(g *remote.Gift) string {
	if g == nil {
		return ""
	}
	return g.Description
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
