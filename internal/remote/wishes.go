package remote

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// WishRecord is one row of the wishes table. ID is the client operation
// id, which makes the write idempotent.
type WishRecord struct {
	ID       string   `json:"id"`
	UserID   *string  `json:"user_id"`
	Text     string   `json:"text"`
	Summary  *string  `json:"summary"`
	Tags     []string `json:"tags"`
	IsPublic bool     `json:"is_public"`
	Synced   bool     `json:"synced"`
}

// UpsertWish inserts rec or merges it into an existing row with the same id.
func (c *Client) UpsertWish(ctx context.Context, rec WishRecord) error {
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	rec.Synced = true
	return c.do(ctx, request{
		op:     "upsert_wish",
		method: http.MethodPost,
		path:   "wishes",
		query:  url.Values{"on_conflict": {"id"}},
		body:   rec,
		prefer: "resolution=merge-duplicates,return=minimal",
	}, nil)
}

// WishExists reports whether a wish with id is visible.
func (c *Client) WishExists(ctx context.Context, id string) (bool, error) {
	var rows []struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, request{
		op:     "wish_exists",
		method: http.MethodGet,
		path:   "wishes",
		query:  url.Values{"select": {"id"}, "id": {eq(id)}, "limit": {"1"}},
	}, &rows)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// WaitForWish polls until the wish is visible or ctx ends. It returns
// false without error when ctx ends first.
func (c *Client) WaitForWish(ctx context.Context, id string, interval time.Duration) (bool, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := c.WishExists(ctx, id)
		if ok {
			return true, nil
		}
		if err != nil && isPermanent(err) {
			return false, err
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
}
