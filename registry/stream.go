package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/did-method-plc/go-diddoc"
	"github.com/gorilla/websocket"
)

const (
	// streamPageSize is how many entries are read from the store per query while streaming.
	streamPageSize = 500

	streamPingInterval = 15 * time.Second
	streamWriteTimeout = 10 * time.Second

	// close reason sent when the requested cursor is too far behind
	outdatedCursorReason = "OutdatedCursor"
)

// maxStreamBacklog is the most entries a new /_stream client may replay before
// being told to catch up via /_export instead.
var maxStreamBacklog = 10000

// ExportEntry is one line of /_export and one message of /_stream: the current
// document of a DID, tagged with the seq of its latest commit.
type ExportEntry struct {
	Seq       int64           `json:"seq"`
	DID       string          `json:"did"`
	CID       string          `json:"cid"`
	UpdatedAt string          `json:"updatedAt"`
	Document  json.RawMessage `json:"document"`
}

func newExportEntry(entry *diddoc.DocumentEntry) (*ExportEntry, error) {
	doc, err := json.Marshal(entry.Doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document for %s: %w", entry.DID, err)
	}
	return &ExportEntry{
		Seq:       entry.Seq,
		DID:       entry.DID,
		CID:       entry.CID,
		UpdatedAt: entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Document:  doc,
	}, nil
}

// Hub wakes up stream subscribers when new documents are committed.
//
// Subscribers are only told *that* something changed; they read the entries
// themselves from the store, in seq order.
type Hub struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
	head int64
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[chan struct{}]struct{}),
	}
}

// Subscribe returns a channel that receives a value after each Publish, coalesced
// if the subscriber is busy, and a function that cancels the subscription.
func (h *Hub) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

// Publish records seq as the latest committed seq and notifies all subscribers. Never blocks.
func (h *Hub) Publish(seq int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if seq > h.head {
		h.head = seq
	}
	for ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
			// already has a pending notification
		}
	}
}

func (h *Hub) Head() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.head
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// handleStream handles GET /_stream?cursor=N - websocket feed of entries with seq > N,
// first replaying what's in the store and then following new commits.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var cursor int64
	if c := r.URL.Query().Get("cursor"); c != "" {
		var err error
		cursor, err = strconv.ParseInt(c, 10, 64)
		if err != nil || cursor < 0 {
			writeJSONError(w, "invalid cursor", http.StatusBadRequest)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// subscribe before the first read, so no commit can slip between replay and follow
	notify, unsubscribe := s.state.Hub().Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	StreamSubscribersGauge.Add(ctx, 1)
	defer StreamSubscribersGauge.Add(context.Background(), -1)

	// we never expect messages from the client, but reading is how we notice it went away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := s.logger.With("remote", r.RemoteAddr)
	logger.Info("stream subscriber connected", "cursor", cursor)

	err = s.streamEntries(ctx, conn, cursor, notify)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Info("stream subscriber disconnected", "error", err)
	}
}

func (s *Server) streamEntries(ctx context.Context, conn *websocket.Conn, cursor int64, notify <-chan struct{}) error {
	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	replaying := true
	replayed := 0
	for {
		entries, err := s.store.ListDocuments(ctx, cursor, streamPageSize)
		if err != nil {
			return err
		}

		if replaying {
			replayed += len(entries)
			if replayed > maxStreamBacklog {
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, outdatedCursorReason)
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteTimeout))
				return fmt.Errorf("cursor %d is too far behind", cursor)
			}
		}

		for _, entry := range entries {
			ee, err := newExportEntry(entry)
			if err != nil {
				return err
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(ee); err != nil {
				return err
			}
			cursor = entry.Seq
		}
		if len(entries) == streamPageSize {
			continue
		}
		replaying = false

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return err
			}
		}
	}
}
