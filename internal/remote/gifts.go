package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Gift is one catalog entry.
type Gift struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

// Open is one recorded gift opening joined with its gift.
type Open struct {
	OpenID      string          `json:"open_id"`
	GiftID      string          `json:"gift_id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	OpenedAt    string          `json:"opened_at,omitempty"`
	ClientOpID  string          `json:"client_op_id,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// HasDetails reports whether the open carries a displayable title or
// description.
func (o *Open) HasDetails() bool {
	return o != nil && (o.Title != "" || o.Description != "")
}

const openSelect = "id,opened_at,gift_id,client_op_id,gift:gifts!user_gift_opens_gift_id_fkey(title,description,meta)"

// embeddedGift accepts the joined gift as an object or a one-element array.
type embeddedGift struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Meta        json.RawMessage `json:"meta"`
}

type embeddedGifts []embeddedGift

func (g *embeddedGifts) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*g = nil
		return nil
	}
	if b[0] == '[' {
		var many []embeddedGift
		if err := json.Unmarshal(b, &many); err != nil {
			return err
		}
		*g = many
		return nil
	}
	var one embeddedGift
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*g = embeddedGifts{one}
	return nil
}

type openRow struct {
	ID         string        `json:"id"`
	OpenedAt   string        `json:"opened_at"`
	GiftID     string        `json:"gift_id"`
	ClientOpID *string       `json:"client_op_id"`
	Gift       embeddedGifts `json:"gift"`
}

func (r openRow) open() *Open {
	o := &Open{OpenID: r.ID, GiftID: r.GiftID, OpenedAt: r.OpenedAt}
	if r.ClientOpID != nil {
		o.ClientOpID = *r.ClientOpID
	}
	if len(r.Gift) > 0 {
		o.Title = r.Gift[0].Title
		o.Description = r.Gift[0].Description
		o.Meta = r.Gift[0].Meta
	}
	return o
}

func (c *Client) latestOpen(ctx context.Context, op, column, value string) (*Open, error) {
	var rows []openRow
	err := c.do(ctx, request{
		op:     op,
		method: http.MethodGet,
		path:   "user_gift_opens",
		query: url.Values{
			"select": {openSelect},
			column:   {eq(value)},
			"order":  {"opened_at.desc"},
			"limit":  {"1"},
		},
	}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || rows[0].ID == "" {
		return nil, nil
	}
	return rows[0].open(), nil
}

// FindOpenByClientOp returns the open recorded under clientOpID, or nil
// when there is none yet.
func (c *Client) FindOpenByClientOp(ctx context.Context, clientOpID string) (*Open, error) {
	return c.latestOpen(ctx, "find_open_by_client_op", "client_op_id", clientOpID)
}

// LatestOpen returns the user's most recent open, or nil.
func (c *Client) LatestOpen(ctx context.Context, userID string) (*Open, error) {
	return c.latestOpen(ctx, "latest_open", "user_id", userID)
}

// PublicGifts lists up to limit public gifts.
func (c *Client) PublicGifts(ctx context.Context, limit int) ([]Gift, error) {
	var gifts []Gift
	err := c.do(ctx, request{
		op:     "public_gifts",
		method: http.MethodGet,
		path:   "gifts",
		query: url.Values{
			"select": {"id,title,description,meta"},
			"public": {eq("true")},
			"limit":  {strconv.Itoa(limit)},
		},
	}, &gifts)
	return gifts, err
}

// PickPublicGift returns one public gift at random.
func (c *Client) PickPublicGift(ctx context.Context) (*Gift, error) {
	gifts, err := c.PublicGifts(ctx, 200)
	if err != nil {
		return nil, err
	}
	if len(gifts) == 0 {
		return nil, &Error{Op: "pick_public_gift", Code: CodeNoGifts, Message: "no gifts available"}
	}
	g := gifts[c.intn(len(gifts))]
	return &g, nil
}

// GiftByID returns the gift with id, or nil.
func (c *Client) GiftByID(ctx context.Context, id string) (*Gift, error) {
	var gifts []Gift
	err := c.do(ctx, request{
		op:     "gift_by_id",
		method: http.MethodGet,
		path:   "gifts",
		query:  url.Values{"select": {"id,title,description,meta"}, "id": {eq(id)}, "limit": {"1"}},
	}, &gifts)
	if err != nil || len(gifts) == 0 {
		return nil, err
	}
	return &gifts[0], nil
}

// FindGiftByTitle returns a gift whose title matches case-insensitively,
// or nil.
func (c *Client) FindGiftByTitle(ctx context.Context, title string) (*Gift, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, nil
	}
	// ilike treats % and _ as wildcards.
	escaped := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(title)
	var gifts []Gift
	err := c.do(ctx, request{
		op:     "find_gift_by_title",
		method: http.MethodGet,
		path:   "gifts",
		query:  url.Values{"select": {"id,title,description,meta"}, "title": {"ilike." + escaped}, "limit": {"1"}},
	}, &gifts)
	if err != nil || len(gifts) == 0 {
		return nil, err
	}
	return &gifts[0], nil
}

type rpcRow struct {
	OpenID          string          `json:"open_id"`
	GiftID          string          `json:"gift_id"`
	GiftTitle       string          `json:"gift_title"`
	GiftDescription string          `json:"gift_description"`
	OpenedAt        string          `json:"opened_at"`
	Reason          string          `json:"reason"`
	Meta            json.RawMessage `json:"meta"`
}

// OpenGiftForUser records a gift opening for userID and returns it.
//
// The store-side function is tried with the current parameter names, then
// with the older names when the store reports a signature mismatch. When
// the function is missing altogether the client picks a public gift and
// inserts the open row itself. A non-empty clientOpID makes the call
// idempotent.
func (c *Client) OpenGiftForUser(ctx context.Context, userID, clientOpID string) (*Open, error) {
	if userID == "" {
		userID = "anonymous"
	}
	clientOpID = strings.TrimSpace(clientOpID)

	row, err := c.callOpenRPC(ctx, map[string]any{"p_user_id": userID, "p_client_op_id": nullable(clientOpID)})
	if err != nil && isSignatureMismatch(err) {
		c.logger.Debug("open_gift_for_user signature mismatch, retrying with legacy names", "error", err)
		row, err = c.callOpenRPC(ctx, map[string]any{"user_id": userID, "client_op_id": nullable(clientOpID)})
	}
	if err != nil && IsNotFound(err) {
		c.logger.Debug("open_gift_for_user missing, opening directly")
		return c.openDirect(ctx, userID, clientOpID)
	}
	if err != nil {
		return nil, err
	}

	open := &Open{
		OpenID:      row.OpenID,
		GiftID:      row.GiftID,
		Title:       row.GiftTitle,
		Description: row.GiftDescription,
		Meta:        row.Meta,
		OpenedAt:    row.OpenedAt,
		ClientOpID:  clientOpID,
		Reason:      row.Reason,
	}
	if (open.Title == "" || open.Description == "") && open.GiftID != "" {
		if g, gerr := c.GiftByID(ctx, open.GiftID); gerr == nil && g != nil {
			if open.Title == "" {
				open.Title = g.Title
			}
			if open.Description == "" {
				open.Description = g.Description
			}
		}
	}
	return open, nil
}

func (c *Client) callOpenRPC(ctx context.Context, args map[string]any) (rpcRow, error) {
	var raw json.RawMessage
	if err := c.do(ctx, request{
		op:     "open_gift_for_user",
		method: http.MethodPost,
		path:   "rpc/open_gift_for_user",
		body:   args,
	}, &raw); err != nil {
		return rpcRow{}, err
	}
	raw = bytes.TrimSpace(raw)
	var row rpcRow
	if len(raw) > 0 && raw[0] == '[' {
		var rows []rpcRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return rpcRow{}, &Error{Op: "open_gift_for_user", Code: CodeDecode, Err: err}
		}
		if len(rows) > 0 {
			row = rows[0]
		}
		return row, nil
	}
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &row); err != nil {
			return rpcRow{}, &Error{Op: "open_gift_for_user", Code: CodeDecode, Err: err}
		}
	}
	return row, nil
}

// openDirect reuses an existing open for clientOpID, otherwise picks a
// public gift and records the open.
func (c *Client) openDirect(ctx context.Context, userID, clientOpID string) (*Open, error) {
	if clientOpID != "" {
		if existing, err := c.FindOpenByClientOp(ctx, clientOpID); err == nil && existing != nil {
			return existing, nil
		}
	}
	gift, err := c.PickPublicGift(ctx)
	if err != nil {
		return nil, err
	}
	var rows []openRow
	err = c.do(ctx, request{
		op:     "insert_open",
		method: http.MethodPost,
		path:   "user_gift_opens",
		query:  url.Values{"select": {"id,opened_at,gift_id"}},
		body: map[string]any{
			"user_id":      userID,
			"gift_id":      gift.ID,
			"client_op_id": nullable(clientOpID),
		},
		prefer: "return=representation",
	}, &rows)
	if err != nil {
		return nil, err
	}
	open := &Open{
		GiftID:      gift.ID,
		Title:       gift.Title,
		Description: gift.Description,
		Meta:        gift.Meta,
		ClientOpID:  clientOpID,
		Reason:      "random",
	}
	if len(rows) > 0 {
		open.OpenID = rows[0].ID
		open.OpenedAt = rows[0].OpenedAt
		if rows[0].GiftID != "" {
			open.GiftID = rows[0].GiftID
		}
	}
	return open, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
