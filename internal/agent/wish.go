package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/underthetree/internal/remote"
)

// WriteWish asks the agent to upsert rec and returns the stored id.
// The reply must contain a JSON object with "ok"; surrounding prose is
// tolerated.
func (c *Client) WriteWish(ctx context.Context, rec remote.WishRecord, timeout time.Duration) (string, error) {
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		return "", &Error{Code: CodeMalformed, Message: "missing client op id"}
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	rec.Synced = true

	resp, err := c.Do(ctx, Request{
		Payload: map[string]any{"command": "UPSERT_WISH", "record": rec},
		Timeout: timeout,
	})
	if err != nil {
		return "", err
	}

	var reply struct {
		OK    *bool  `json:"ok"`
		ID    string `json:"id"`
		Error string `json:"error"`
	}
	if err := ExtractJSON(resp.Text, &reply); err != nil || reply.OK == nil {
		return "", &Error{Code: CodeMalformed, Message: "agent reply carried no result"}
	}
	if !*reply.OK {
		msg := reply.Error
		if msg == "" {
			msg = "wish write failed"
		}
		return "", &Error{Code: CodeRejected, Message: msg}
	}
	if reply.ID != "" {
		return reply.ID, nil
	}
	return rec.ID, nil
}

// ExtractJSON decodes the first JSON object embedded in text into v.
func ExtractJSON(text string, v any) error {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		if err := dec.Decode(v); err == nil {
			return nil
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return fmt.Errorf("no JSON object in reply")
}
