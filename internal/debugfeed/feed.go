// Package debugfeed serves the diagnostics panel: a websocket feed of
// runtime snapshots, queue counts and telemetry events, plus a plain JSON
// snapshot endpoint.
//
// Routes:
//
//	GET /debug/feed      websocket; a snapshot on connect and every
//	                     Interval, and one "event" message per telemetry
//	                     event
//	GET /debug/snapshot  the current snapshot as JSON
//
// The feed is read-only. Slow clients lose telemetry events rather than
// stall the emitter.
package debugfeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/roach88/underthetree/internal/queue"
	"github.com/roach88/underthetree/internal/runstate"
	"github.com/roach88/underthetree/internal/telemetry"
)

// Message types.
const (
	MsgSnapshot = "snapshot"
	MsgEvent    = "event"
	MsgError    = "error"
)

// Defaults.
const (
	DefaultInterval     = time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultBuffer       = 256
)

// Envelope is the wire shape of every feed message.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Snapshot is the periodic diagnostics view.
type Snapshot struct {
	Runtime   *runstate.Snapshot `json:"runtime,omitempty"`
	Queue     *queue.Counts      `json:"queue,omitempty"`
	Events    uint64             `json:"events_total"`
	Dropped   uint64             `json:"events_dropped"`
	Generated time.Time          `json:"generated"`
}

// Subscriber is the part of telemetry.Hub the feed needs.
type Subscriber interface {
	Subscribe(buffer int) (<-chan telemetry.Event, func())
	Stats() (events, dropped uint64)
}

// Counter reports queue counts.
type Counter interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// Options configures a Server. Every source is optional.
type Options struct {
	Runtime   runstate.View
	Queue     Counter
	Telemetry Subscriber

	Interval     time.Duration
	WriteTimeout time.Duration
	Buffer       int
	// InsecureSkipVerify disables the websocket origin check, for panels
	// served from another local port.
	InsecureSkipVerify bool
	Logger             *slog.Logger
	Now                func() time.Time
}

// Server serves the diagnostics feed.
type Server struct {
	opts Options
}

// NewServer returns a feed server.
func NewServer(opts Options) *Server {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{opts: opts}
}

// Handler returns the feed routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /debug/feed", s.handleFeed)
	mux.HandleFunc("GET /debug/snapshot", s.handleSnapshot)
	return mux
}

// Snapshot builds the current diagnostics view.
func (s *Server) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{Generated: s.opts.Now().UTC()}
	if s.opts.Runtime != nil {
		rs := s.opts.Runtime.Snapshot()
		snap.Runtime = &rs
	}
	if s.opts.Queue != nil {
		if c, err := s.opts.Queue.Counts(ctx); err == nil {
			snap.Queue = &c
		} else {
			s.opts.Logger.Debug("debug feed: queue counts failed", "error", err)
		}
	}
	if s.opts.Telemetry != nil {
		snap.Events, snap.Dropped = s.opts.Telemetry.Stats()
	}
	return snap
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.Snapshot(r.Context()))
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.opts.InsecureSkipVerify,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	// The feed never reads; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := ws.CloseRead(r.Context())

	var events <-chan telemetry.Event
	if s.opts.Telemetry != nil {
		ch, cancel := s.opts.Telemetry.Subscribe(s.opts.Buffer)
		defer cancel()
		events = ch
	}

	if err := s.write(ctx, ws, Envelope{Type: MsgSnapshot, Data: s.Snapshot(ctx)}); err != nil {
		return
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(ctx, ws, Envelope{Type: MsgSnapshot, Data: s.Snapshot(ctx)}); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "telemetry closed")
				return
			}
			if err := s.write(ctx, ws, Envelope{Type: MsgEvent, Data: ev}); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, ws *websocket.Conn, msg Envelope) error {
	data, err := json.Marshal(msg)
	if err != nil {
		s.opts.Logger.Debug("debug feed: encode failed", "type", msg.Type, "error", err)
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		s.opts.Logger.Debug("debug feed: client gone", "error", err)
		return err
	}
	return nil
}
