package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/did-method-plc/go-diddoc"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// toPending parses the document carried by an ExportEntry. Returns nil if the
// entry should be skipped (unparseable or mismatched document).
func (e *ExportEntry) toPending(logger *slog.Logger) (*PendingDocument, error) {
	updatedAt, err := time.Parse(time.RFC3339Nano, e.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp for %s: %w", e.DID, err)
	}

	doc, err := diddoc.ParseDocument(e.Document)
	if err != nil {
		logger.Warn("skipping invalid upstream document", "did", e.DID, "seq", e.Seq, "error", diddoc.ValidationDetail(err))
		DocumentsRejectedCounter.Add(context.Background(), 1, metric.WithAttributes(RejectSourceMirror))
		return nil, nil
	}
	if doc.ID.String() != e.DID {
		logger.Warn("skipping upstream document with mismatched id", "did", e.DID, "seq", e.Seq, "id", doc.ID)
		DocumentsRejectedCounter.Add(context.Background(), 1, metric.WithAttributes(RejectSourceMirror))
		return nil, nil
	}

	return &PendingDocument{
		Seq:       e.Seq,
		DID:       e.DID,
		CID:       e.CID,
		UpdatedAt: updatedAt,
		Doc:       doc,
	}, nil
}

const (
	// retryDelay is the delay before retrying after a fetch error.
	retryDelay = 1 * time.Second

	// cursorPersistInterval is how often the resume cursor is persisted.
	cursorPersistInterval = 1 * time.Second

	// If this timeout is reached, we'll retry the request.
	// Also used as the timeout for websocket reads, triggering a reconnect.
	httpClientTimeout = 30 * time.Second
)

var (
	// errOutdatedCursor is returned by mirrorStream when upstream closes the
	// connection with an OutdatedCursor reason, meaning paginated catch-up is needed.
	errOutdatedCursor = errors.New("outdated cursor")

	// errCaughtUp is returned by mirrorPaginated when upstream returns a short
	// page, meaning there is nothing left to page through.
	errCaughtUp = errors.New("caught up")
)

// Mirror follows another registry's export feed, validates each document, and
// commits it to the local store.
type Mirror struct {
	store             *GormDocumentStore
	state             *RegistryState
	upstreamURL       string
	parsedUpstreamURL *url.URL
	cursorHost        string
	numWorkers        int
	startCursor       int64
	userAgent         string
	httpClient        *http.Client
	wsDialer          *websocket.Dialer
	logger            *slog.Logger
}

// NewMirror creates a new Mirror. Pass startCursor == -1 to resume from
// the cursor stored in the database.
func NewMirror(store *GormDocumentStore, state *RegistryState, upstreamURL string, startCursor int64, numWorkers int, logger *slog.Logger) (*Mirror, error) {
	upstreamURL = strings.TrimSuffix(upstreamURL, "/")
	parsed, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL must be http or https: %s", upstreamURL)
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Mirror{
		store:             store,
		state:             state,
		upstreamURL:       upstreamURL,
		parsedUpstreamURL: parsed,
		cursorHost:        parsed.Host, // "host" or "host:port"
		numWorkers:        numWorkers,
		startCursor:       startCursor,
		userAgent:         fmt.Sprintf("go-diddoc-mirror/%s", versioninfo.Short()),
		httpClient: &http.Client{
			Timeout:   httpClientTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		wsDialer: websocket.DefaultDialer,
		logger:   logger.With("component", "mirror"),
	}, nil
}

// Run executes the full mirror pipeline: resolving the cursor, spawning
// validate/commit workers, fetching documents from upstream, and dispatching
// them through the pipeline. Blocks until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) error {
	cursor := m.startCursor
	if cursor == -1 {
		var err error
		cursor, err = m.store.GetCursor(ctx, m.cursorHost)
		if err != nil {
			return err
		}
	}

	infl := NewInFlight(cursor)

	/*

		fetch reads documents from upstream and puts them into fetched (in seq order).

		the loop at the bottom of this function moves them from fetched to pending, making
		sure there are never two documents for the same DID in flight at once.

		ValidateWorker goroutines read from pending, verify documents, and write them into validated.

		Finally, the CommitWorker reads from validated and commits to the db in batches.

	*/

	fetched := make(chan *PendingDocument, 10000)
	pending := make(chan *PendingDocument, 100)
	validated := make(chan ValidatedDocument, 1000)

	for range m.numWorkers {
		go ValidateWorker(ctx, pending, validated, infl, m.store)
	}

	flushCh := make(chan chan struct{})
	go CommitWorker(ctx, validated, infl, m.store, m.state, flushCh)

	// Periodically persist the resume cursor and record queue metrics
	go func() {
		ticker := time.NewTicker(cursorPersistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				resumeCursor := infl.ResumeCursor()
				if err := m.store.PutCursor(ctx, m.cursorHost, resumeCursor); err != nil {
					m.logger.Error("failed to persist cursor", "error", err)
				} else {
					m.logger.Debug("persisted cursor", "cursor", resumeCursor, "host", m.cursorHost)
				}
				MirrorCursorGauge.Record(ctx, resumeCursor)
				InFlightDocsGauge.Record(ctx, int64(infl.Len()))
				FetchedDocsQueueGauge.Record(ctx, int64(len(fetched)))
				PendingDocsQueueGauge.Record(ctx, int64(len(pending)))
				ValidatedDocsQueueGauge.Record(ctx, int64(len(validated)))
			}
		}
	}()

	go func() {
		m.fetchLoop(ctx, &cursor, fetched)
		close(fetched)
	}()

	for pd := range fetched {
		if pd.Doc == nil {
			// skipped upstream entry; only the resume cursor cares
			infl.Skip(pd.Seq)
			continue
		}

		// If the DID is already in flight, ask the committer to flush its batch
		// so the earlier document gets committed and leaves in-flight tracking.
		for !infl.Add(pd.DID, pd.Seq) {
			done := make(chan struct{})
			select {
			case flushCh <- done:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			// the earlier document may still be waiting in the pending or validated queue
			if !sleepCtx(ctx, 10*time.Millisecond) {
				return ctx.Err()
			}
		}

		select {
		case pending <- pd:
		case <-ctx.Done():
			return ctx.Err()
		}

		// recorded when the document goes in flight, not when it's committed
		LastMirroredDocTsGauge.Record(ctx, pd.UpdatedAt.Unix())
	}

	return ctx.Err()
}

// fetchLoop is the state machine that switches between websocket streaming
// (/_stream) and paginated HTTP (/_export) as needed.
//
// It starts with a websocket stream. If upstream reports an outdated cursor, it
// pages through /_export until it gets a short page, then goes back to streaming.
// Other errors trigger a retry after a fixed delay.
func (m *Mirror) fetchLoop(ctx context.Context, cursor *int64, docs chan<- *PendingDocument) {
	recordState := func(attr attribute.KeyValue) {
		if attr == MirrorStateStream {
			MirrorStateGauge.Record(ctx, 1, metric.WithAttributes(MirrorStateStream))
			MirrorStateGauge.Record(ctx, 0, metric.WithAttributes(MirrorStatePaginated))
		} else {
			MirrorStateGauge.Record(ctx, 1, metric.WithAttributes(MirrorStatePaginated))
			MirrorStateGauge.Record(ctx, 0, metric.WithAttributes(MirrorStateStream))
		}
	}

	for {
		recordState(MirrorStateStream)
		m.logger.Info("starting stream mirroring", "cursor", *cursor)
		err := m.mirrorStream(ctx, cursor, docs)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, errOutdatedCursor) {
			m.logger.Info("cursor outdated for stream, falling back to paginated", "cursor", *cursor)
			recordState(MirrorStatePaginated)
			for {
				m.logger.Info("starting paginated mirroring", "cursor", *cursor)
				perr := m.mirrorPaginated(ctx, cursor, docs)
				if ctx.Err() != nil {
					return
				}
				if errors.Is(perr, errCaughtUp) {
					m.logger.Info("caught up, switching to stream", "cursor", *cursor)
					break
				}
				m.logger.Error("paginated mirroring error, retrying", "error", perr)
				if !sleepCtx(ctx, retryDelay) {
					return
				}
			}
			continue
		}

		m.logger.Error("stream mirroring error, retrying", "error", err)
		if !sleepCtx(ctx, retryDelay) {
			return
		}
	}
}

// forward hands entry to the pipeline and advances the cursor past it. Entries that
// can't be used are still passed on, with a nil Doc, so the resume cursor moves over them.
func (m *Mirror) forward(ctx context.Context, entry *ExportEntry, cursor *int64, docs chan<- *PendingDocument) error {
	if entry.Seq <= *cursor {
		// replayed after a reconnect
		return nil
	}
	pd, err := entry.toPending(m.logger)
	if err != nil {
		return err
	}
	if pd == nil {
		pd = &PendingDocument{Seq: entry.Seq, DID: entry.DID}
	}
	select {
	case docs <- pd:
	case <-ctx.Done():
		return ctx.Err()
	}
	*cursor = entry.Seq
	return nil
}

// mirrorStream connects to the upstream /_stream websocket and reads entries
// until an error occurs. Returns errOutdatedCursor if upstream closes the
// connection with an OutdatedCursor reason.
func (m *Mirror) mirrorStream(ctx context.Context, cursor *int64, docs chan<- *PendingDocument) error {
	wsURL := buildStreamURL(m.parsedUpstreamURL, *cursor)
	m.logger.Debug("websocket connecting", "url", wsURL)

	header := http.Header{}
	header.Set("User-Agent", m.userAgent)

	conn, _, err := m.wsDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	// ReadMessage doesn't accept a context, so close the connection to interrupt it.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)
	defer conn.Close()

	// upstream pings while idle; each one buys another read timeout
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(httpClientTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	m.logger.Info("websocket connected", "url", wsURL)

	for {
		conn.SetReadDeadline(time.Now().Add(httpClientTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Text == outdatedCursorReason {
				return errOutdatedCursor
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read error: %w", err)
		}

		var entry ExportEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return fmt.Errorf("failed to parse websocket message: %w", err)
		}
		if err := m.forward(ctx, &entry, cursor, docs); err != nil {
			return err
		}
	}
}

// mirrorPaginated fetches entries from the paginated upstream /_export endpoint,
// page by page, until an error occurs or a page comes back short (errCaughtUp).
func (m *Mirror) mirrorPaginated(ctx context.Context, cursor *int64, docs chan<- *PendingDocument) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := m.fetchPage(ctx, cursor, docs)
		if err != nil {
			return err
		}
		if n < exportPageSize {
			return errCaughtUp
		}
	}
}

// fetchPage fetches and forwards one /_export page, returning the number of entries it held.
func (m *Mirror) fetchPage(ctx context.Context, cursor *int64, docs chan<- *PendingDocument) (int, error) {
	reqURL := fmt.Sprintf("%s/_export?after=%d&count=%d", m.upstreamURL, *cursor, exportPageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", m.userAgent)

	m.logger.Debug("http request starting", "method", "GET", "url", reqURL)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch export: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("export endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	n := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(nil, 2*maxDocumentSize)
	for scanner.Scan() {
		var entry ExportEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return n, fmt.Errorf("failed to parse export entry: %w", err)
		}
		n++
		if err := m.forward(ctx, &entry, cursor, docs); err != nil {
			return n, err
		}
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("error reading export stream: %w", err)
	}
	return n, nil
}

// buildStreamURL converts an HTTP registry URL to a websocket /_stream URL.
// e.g. "https://host/base" -> "wss://host/base/_stream?cursor=N"
func buildStreamURL(u *url.URL, cursor int64) string {
	copy := *u

	switch copy.Scheme {
	case "https":
		copy.Scheme = "wss"
	case "http":
		copy.Scheme = "ws"
	}

	copy.Path = strings.TrimSuffix(copy.Path, "/") + "/_stream"
	q := copy.Query()
	q.Set("cursor", fmt.Sprintf("%d", cursor))
	copy.RawQuery = q.Encode()
	return copy.String()
}

// sleepCtx sleeps for the given duration or until the context is cancelled.
// Returns true if the sleep completed, false if the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
