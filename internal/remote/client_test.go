package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore records requests and answers from a handler table keyed by
// "METHOD path".
type fakeStore struct {
	mu       sync.Mutex
	requests []recorded
	routes   map[string]http.HandlerFunc
}

type recorded struct {
	method string
	path   string
	query  string
	body   string
	header http.Header
}

func newFakeStore(t *testing.T, routes map[string]http.HandlerFunc) (*fakeStore, *Client) {
	t.Helper()
	fs := &fakeStore{routes: routes}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fs.mu.Lock()
		fs.requests = append(fs.requests, recorded{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			body:   string(body),
			header: r.Header.Clone(),
		})
		h := fs.routes[r.Method+" "+r.URL.Path]
		fs.mu.Unlock()
		if h == nil {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"code":"404","message":"route not found"}`)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return fs, New(srv.URL, "anon-key", WithIntn(func(int) int { return 0 }))
}

func (fs *fakeStore) calls(method, path string) []recorded {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []recorded
	for _, r := range fs.requests {
		if r.method == method && r.path == path {
			out = append(out, r)
		}
	}
	return out
}

func TestConfigured(t *testing.T) {
	var nilClient *Client
	assert.False(t, nilClient.Configured())
	assert.False(t, New("", "key").Configured())
	assert.False(t, New("http://x", " ").Configured())
	assert.True(t, New("http://x/", "key").Configured())

	err := New("", "").UpsertWish(context.Background(), WishRecord{ID: "w1"})
	assert.True(t, IsNotConfigured(err))
}

func TestUpsertWish(t *testing.T) {
	fs, c := newFakeStore(t, map[string]http.HandlerFunc{
		"POST /rest/v1/wishes": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		},
	})

	err := c.UpsertWish(context.Background(), WishRecord{ID: "w1", Text: "a sled"})
	require.NoError(t, err)

	calls := fs.calls(http.MethodPost, "/rest/v1/wishes")
	require.Len(t, calls, 1)
	assert.Equal(t, "on_conflict=id", calls[0].query)
	assert.Equal(t, "anon-key", calls[0].header.Get("apikey"))
	assert.Equal(t, "Bearer anon-key", calls[0].header.Get("Authorization"))
	assert.Contains(t, calls[0].header.Get("Prefer"), "merge-duplicates")
	assert.JSONEq(t,
		`{"id":"w1","user_id":null,"text":"a sled","summary":null,"tags":[],"is_public":false,"synced":true}`,
		calls[0].body)
}

func TestUpsertWish_StoreError(t *testing.T) {
	_, c := newFakeStore(t, map[string]http.HandlerFunc{
		"POST /rest/v1/wishes": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"code":"23505","message":"duplicate key"}`)
		},
	})

	err := c.UpsertWish(context.Background(), WishRecord{ID: "w1"})
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusConflict, re.Status)
	assert.Equal(t, "23505", re.Code)
	assert.False(t, re.Retryable())
}

func TestOpenGiftForUser_RPC(t *testing.T) {
	_, c := newFakeStore(t, map[string]http.HandlerFunc{
		"POST /rest/v1/rpc/open_gift_for_user": func(w http.ResponseWriter, r *http.Request) {
			var args map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&args))
			assert.Equal(t, "u1", args["p_user_id"])
			assert.Equal(t, "op-1", args["p_client_op_id"])
			fmt.Fprint(w, `[{"open_id":"o1","gift_id":"g1","gift_title":"Wool Mittens","gift_description":"Cozy","opened_at":"2025-12-25T08:00:00Z","reason":"preferred"}]`)
		},
	})

	open, err := c.OpenGiftForUser(context.Background(), "u1", "op-1")
	require.NoError(t, err)
	assert.Equal(t, "o1", open.OpenID)
	assert.Equal(t, "Wool Mittens", open.Title)
	assert.Equal(t, "preferred", open.Reason)
	assert.Equal(t, "op-1", open.ClientOpID)
	assert.True(t, open.HasDetails())
}

func TestOpenGiftForUser_LegacySignatureAndEnrich(t *testing.T) {
	var attempts []map[string]any
	fs, c := newFakeStore(t, map[string]http.HandlerFunc{
		"POST /rest/v1/rpc/open_gift_for_user": func(w http.ResponseWriter, r *http.Request) {
			var args map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&args))
			attempts = append(attempts, args)
			if _, ok := args["p_user_id"]; ok {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"code":"PGRST202","message":"Could not find the function with parameters"}`)
				return
			}
			fmt.Fprint(w, `{"open_id":"o2","gift_id":"g7"}`)
		},
		"GET /rest/v1/gifts": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "eq.g7", r.URL.Query().Get("id"))
			fmt.Fprint(w, `[{"id":"g7","title":"Cozy Blanket","description":"Warm"}]`)
		},
	})

	open, err := c.OpenGiftForUser(context.Background(), "", "")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "anonymous", attempts[1]["user_id"])
	assert.Nil(t, attempts[1]["client_op_id"])
	assert.Equal(t, "Cozy Blanket", open.Title)
	assert.Equal(t, "Warm", open.Description)
	assert.Len(t, fs.calls(http.MethodGet, "/rest/v1/gifts"), 1)
}

func TestOpenGiftForUser_MissingRPCFallsBackToDirectOpen(t *testing.T) {
	fs, c := newFakeStore(t, map[string]http.HandlerFunc{
		"GET /rest/v1/user_gift_opens": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `[]`)
		},
		"GET /rest/v1/gifts": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "eq.true", r.URL.Query().Get("public"))
			fmt.Fprint(w, `[{"id":"g3","title":"Snowflake Ornament"},{"id":"g4","title":"Mystery Key"}]`)
		},
		"POST /rest/v1/user_gift_opens": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `[{"id":"o9","opened_at":"2025-12-25T09:00:00Z","gift_id":"g3"}]`)
		},
	})

	open, err := c.OpenGiftForUser(context.Background(), "u1", "op-9")
	require.NoError(t, err)
	assert.Equal(t, "o9", open.OpenID)
	assert.Equal(t, "Snowflake Ornament", open.Title)
	assert.Equal(t, "random", open.Reason)

	inserts := fs.calls(http.MethodPost, "/rest/v1/user_gift_opens")
	require.Len(t, inserts, 1)
	assert.JSONEq(t, `{"user_id":"u1","gift_id":"g3","client_op_id":"op-9"}`, inserts[0].body)
}

func TestOpenGiftForUser_DirectOpenReusesClientOp(t *testing.T) {
	fs, c := newFakeStore(t, map[string]http.HandlerFunc{
		"GET /rest/v1/user_gift_opens": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "eq.op-9", r.URL.Query().Get("client_op_id"))
			fmt.Fprint(w, `[{"id":"o9","gift_id":"g3","client_op_id":"op-9","gift":[{"title":"Hot Cocoa Kit"}]}]`)
		},
	})

	open, err := c.OpenGiftForUser(context.Background(), "u1", "op-9")
	require.NoError(t, err)
	assert.Equal(t, "o9", open.OpenID)
	assert.Equal(t, "Hot Cocoa Kit", open.Title)
	assert.Empty(t, fs.calls(http.MethodPost, "/rest/v1/user_gift_opens"))
}

func TestLatestOpen_EmbeddedObject(t *testing.T) {
	_, c := newFakeStore(t, map[string]http.HandlerFunc{
		"GET /rest/v1/user_gift_opens": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "opened_at.desc", r.URL.Query().Get("order"))
			fmt.Fprint(w, `[{"id":"o5","gift_id":"g1","client_op_id":null,"gift":{"title":"Wool Mittens","description":"Cozy"}}]`)
		},
	})

	open, err := c.LatestOpen(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "o5", open.OpenID)
	assert.Equal(t, "Wool Mittens", open.Title)
	assert.Empty(t, open.ClientOpID)
}

func TestFindOpenByClientOp_None(t *testing.T) {
	_, c := newFakeStore(t, map[string]http.HandlerFunc{
		"GET /rest/v1/user_gift_opens": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `[]`)
		},
	})

	open, err := c.FindOpenByClientOp(context.Background(), "op-x")
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestPickPublicGift_Empty(t *testing.T) {
	_, c := newFakeStore(t, map[string]http.HandlerFunc{
		"GET /rest/v1/gifts": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `[]`)
		},
	})

	_, err := c.PickPublicGift(context.Background())
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeNoGifts, re.Code)
}

func TestFindGiftByTitle_EscapesWildcards(t *testing.T) {
	_, c := newFakeStore(t, map[string]http.HandlerFunc{
		"GET /rest/v1/gifts": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, `ilike.100\% cocoa`, r.URL.Query().Get("title"))
			fmt.Fprint(w, `[{"id":"g1","title":"100% Cocoa"}]`)
		},
	})

	g, err := c.FindGiftByTitle(context.Background(), " 100% cocoa ")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, "g1", g.ID)
}

func TestWaitForWish(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	_, c := newFakeStore(t, map[string]http.HandlerFunc{
		"GET /rest/v1/wishes": func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			polls++
			n := polls
			mu.Unlock()
			if n < 3 {
				fmt.Fprint(w, `[]`)
				return
			}
			fmt.Fprint(w, `[{"id":"w1"}]`)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := c.WaitForWish(ctx, "w1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWaitForWish_GivesUpAtDeadline(t *testing.T) {
	_, c := newFakeStore(t, map[string]http.HandlerFunc{
		"GET /rest/v1/wishes": func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `[]`)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ok, err := c.WaitForWish(ctx, "w1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}
