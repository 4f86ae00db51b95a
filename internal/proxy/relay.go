// Package proxy relays agent requests to a configured upstream so that
// credentials stay on the server side.
package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// RunIDHeader carries the upstream run id in both directions.
const RunIDHeader = "X-Agent-Run-Id"

// maxBody bounds the relayed request body.
const maxBody = 1 << 20

// Relay is an http.Handler forwarding POST and PUT requests upstream.
//
// POST goes to Upstream. PUT continues a run and goes to Upstream/<runId>;
// the run id comes from the runId or run_id query parameter. A JSON body of
// the form {"payload": {...}} is unwrapped to the payload, {"message": "..."}
// is forwarded as {"message": "..."}, and a "stream" flag in the body, the
// stream query parameter, or an Accept of text/event-stream switches to a
// flushed streaming relay.
type Relay struct {
	Upstream string
	APIKey   string
	Client   *http.Client
	Logger   *slog.Logger
}

// ServeHTTP implements http.Handler.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	if strings.TrimSpace(rl.Upstream) == "" {
		writeError(w, http.StatusNotImplemented, "agent_not_configured", "")
		return
	}

	query := r.URL.Query()
	runID := query.Get("runId")
	if runID == "" {
		runID = query.Get("run_id")
	}
	if r.Method == http.MethodPut && runID == "" {
		writeError(w, http.StatusBadRequest, "missing_run_id", "")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_body", err.Error())
		return
	}
	body, contentType, stream := unwrapBody(raw, r.Header.Get("Content-Type"))

	accept := r.Header.Get("Accept")
	stream = stream || truthy(query.Get("stream")) || strings.Contains(accept, "text/event-stream")

	target := rl.Upstream
	if r.Method == http.MethodPut {
		target = strings.TrimRight(rl.Upstream, "/") + "/" + url.PathEscape(runID)
	}

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	up, err := http.NewRequestWithContext(r.Context(), r.Method, target, reqBody)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_failed", err.Error())
		return
	}
	if rl.APIKey != "" {
		up.Header.Set("Authorization", "Bearer "+rl.APIKey)
	}
	if contentType != "" {
		up.Header.Set("Content-Type", contentType)
	}
	if accept != "" {
		up.Header.Set("Accept", accept)
	}

	client := rl.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(up)
	if err != nil {
		rl.logger().Warn("agent relay upstream failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream_failed", err.Error())
		return
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", ct)
	if id := resp.Header.Get(RunIDHeader); id != "" {
		w.Header().Set(RunIDHeader, id)
	}

	if !stream {
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return
	}

	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}

func (rl *Relay) logger() *slog.Logger {
	if rl.Logger != nil {
		return rl.Logger
	}
	return slog.Default()
}

// unwrapBody applies the {payload} and {message} convenience shapes.
func unwrapBody(raw []byte, contentType string) ([]byte, string, bool) {
	if len(raw) == 0 || !strings.Contains(contentType, "application/json") {
		return raw, contentType, false
	}
	var parsed struct {
		Payload json.RawMessage `json:"payload"`
		Message *string         `json:"message"`
		Stream  bool            `json:"stream"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return raw, contentType, false
	}
	trimmed := bytes.TrimSpace(parsed.Payload)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '{':
		return trimmed, "application/json", parsed.Stream
	case parsed.Message != nil && strings.TrimSpace(*parsed.Message) != "":
		b, _ := json.Marshal(map[string]string{"message": *parsed.Message})
		return b, "application/json", parsed.Stream
	default:
		return raw, contentType, parsed.Stream
	}
}

func truthy(v string) bool { return v == "1" || v == "true" }

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"ok": false, "error": code}
	if msg != "" {
		body["message"] = msg
	}
	json.NewEncoder(w).Encode(body)
}
