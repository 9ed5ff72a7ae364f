package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/did-method-plc/go-diddoc"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildStreamURL(t *testing.T) {
	testCases := []struct {
		in     string
		cursor int64
		out    string
	}{
		{"https://registry.example.com", 0, "wss://registry.example.com/_stream?cursor=0"},
		{"http://localhost:8080", 42, "ws://localhost:8080/_stream?cursor=42"},
		{"https://example.com/registry/", 7, "wss://example.com/registry/_stream?cursor=7"},
	}
	for _, tc := range testCases {
		u, err := url.Parse(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.out, buildStreamURL(u, tc.cursor), tc.in)
	}
}

func TestSleepCtx(t *testing.T) {
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, time.Hour))
}

func TestNewMirror_BadURL(t *testing.T) {
	store := newMemoryStore(t)
	_, err := NewMirror(store, NewRegistryState(), "ftp://registry.example.com", 0, 1, testLogger())
	assert.Error(t, err)

	m, err := NewMirror(store, NewRegistryState(), "https://registry.example.com:8443/", 0, 0, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com:8443", m.cursorHost)
	assert.Equal(t, 1, m.numWorkers)
}

func exportEntryFor(t *testing.T, seq int64, doc *diddoc.Document, ts time.Time) ExportEntry {
	t.Helper()
	c, err := diddoc.DocumentCID(doc)
	require.NoError(t, err)
	ee, err := newExportEntry(&diddoc.DocumentEntry{Seq: seq, DID: doc.ID.String(), CID: c.String(), UpdatedAt: ts, Doc: doc})
	require.NoError(t, err)
	return *ee
}

func TestExportEntry_ToPending(t *testing.T) {
	logger := testLogger()
	t0 := time.Date(2024, 1, 1, 12, 30, 0, 123456789, time.UTC)
	doc := testDocument("did:example:alice", "https://a.example.com")

	ee := exportEntryFor(t, 5, doc, t0)
	pd, err := ee.toPending(logger)
	require.NoError(t, err)
	require.NotNil(t, pd)
	assert.Equal(t, int64(5), pd.Seq)
	assert.Equal(t, "did:example:alice", pd.DID)
	assert.Equal(t, ee.CID, pd.CID)
	assert.True(t, t0.Equal(pd.UpdatedAt))
	assert.Equal(t, doc, pd.Doc)

	// mismatched id
	mismatched := ee
	mismatched.DID = "did:example:bob"
	pd, err = mismatched.toPending(logger)
	assert.NoError(t, err)
	assert.Nil(t, pd)

	// invalid DIDComm service
	invalid := ee
	invalid.Document = json.RawMessage(`{"id":"did:example:alice","service":[{"id":"did:example:alice#didcomm","type":"did-communication","serviceEndpoint":"https://a.example.com","recipientKeys":[],"priority":1}]}`)
	pd, err = invalid.toPending(logger)
	assert.NoError(t, err)
	assert.Nil(t, pd)

	badTime := ee
	badTime.UpdatedAt = "yesterday"
	_, err = badTime.toPending(logger)
	assert.Error(t, err)
}

func TestMirror_FetchPage(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []ExportEntry{
		exportEntryFor(t, 3, testDocument("did:example:a", "https://a.example.com"), t0),
		exportEntryFor(t, 4, testDocument("did:example:b", "https://b.example.com"), t0),
		exportEntryFor(t, 9, testDocument("did:example:c", "https://c.example.com"), t0),
	}

	var gotQuery url.Values
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/jsonlines")
		enc := json.NewEncoder(w)
		for _, e := range entries {
			enc.Encode(e)
		}
	}))
	defer upstream.Close()

	m, err := NewMirror(newMemoryStore(t), NewRegistryState(), upstream.URL, 0, 1, testLogger())
	require.NoError(t, err)

	docs := make(chan *PendingDocument, 10)
	cursor := int64(3)
	n, err := m.fetchPage(context.Background(), &cursor, docs)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "3", gotQuery.Get("after"))
	assert.Equal(t, fmt.Sprint(exportPageSize), gotQuery.Get("count"))

	// seq 3 was already behind the cursor
	assert.Equal(t, int64(9), cursor)
	require.Len(t, docs, 2)
	assert.Equal(t, "did:example:b", (<-docs).DID)
	assert.Equal(t, "did:example:c", (<-docs).DID)

	// a short page ends paginated mode
	err = m.mirrorPaginated(context.Background(), &cursor, docs)
	assert.ErrorIs(t, err, errCaughtUp)
}

func TestMirror_ForwardSkipped(t *testing.T) {
	m, err := NewMirror(newMemoryStore(t), NewRegistryState(), "http://localhost:1", 0, 1, testLogger())
	require.NoError(t, err)

	ee := exportEntryFor(t, 7, testDocument("did:example:alice", "https://a.example.com"), time.Now())
	ee.DID = "did:example:bob"

	docs := make(chan *PendingDocument, 1)
	cursor := int64(6)
	require.NoError(t, m.forward(context.Background(), &ee, &cursor, docs))
	assert.Equal(t, int64(7), cursor)

	require.Len(t, docs, 1)
	pd := <-docs
	assert.Equal(t, int64(7), pd.Seq)
	assert.Nil(t, pd.Doc)
}

func TestMirror_FetchPage_Error(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, "boom", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	m, err := NewMirror(newMemoryStore(t), NewRegistryState(), upstream.URL, 0, 1, testLogger())
	require.NoError(t, err)

	cursor := int64(0)
	_, err = m.fetchPage(context.Background(), &cursor, make(chan *PendingDocument, 1))
	assert.ErrorContains(t, err, "500")
}

func TestMirror_StreamOutdatedCursor(t *testing.T) {
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, outdatedCursorReason)
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}))
	defer upstream.Close()

	m, err := NewMirror(newMemoryStore(t), NewRegistryState(), upstream.URL, 0, 1, testLogger())
	require.NoError(t, err)

	cursor := int64(0)
	err = m.mirrorStream(context.Background(), &cursor, make(chan *PendingDocument, 1))
	assert.ErrorIs(t, err, errOutdatedCursor)
}

func TestMirror_RunSkippedCursor(t *testing.T) {
	upstreamStore := newMemoryStore(t)
	handler := NewServer(upstreamStore, NewRegistryState(), ":0", testLogger()).Handler()
	ts := httptest.NewServer(handler)
	defer ts.Close()

	ctx0 := context.Background()
	require.Equal(t, http.StatusOK, putDocument(t, handler, testDocument("did:example:a", "https://a.example.com"), "").Code)

	// an upstream entry whose document doesn't belong to its DID
	other := testDocument("did:example:other", "https://o.example.com")
	c, err := diddoc.DocumentCID(other)
	require.NoError(t, err)
	ghost, err := upstreamStore.CommitDocuments(ctx0, []*diddoc.PreparedDocument{{
		DID:       "did:example:ghost",
		CID:       c.String(),
		UpdatedAt: time.Now().UTC(),
		Doc:       other,
	}})
	require.NoError(t, err)

	localStore := newMemoryStore(t)
	m, err := NewMirror(localStore, NewRegistryState(), ts.URL, 0, 1, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctx0)
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		seq, err := localStore.GetCursor(ctx0, m.cursorHost)
		return err == nil && seq == ghost[0].Seq
	}, 10*time.Second, 50*time.Millisecond)

	entries, err := localStore.ListDocuments(ctx0, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "did:example:a", entries[0].DID)
}

func TestMirror_Run(t *testing.T) {
	// force the paginated catch-up path on the first connection
	old := maxStreamBacklog
	maxStreamBacklog = 1
	t.Cleanup(func() { maxStreamBacklog = old })

	upstreamStore := newMemoryStore(t)
	upstreamSrv := NewServer(upstreamStore, NewRegistryState(), ":0", testLogger())
	handler := upstreamSrv.Handler()
	ts := httptest.NewServer(handler)
	defer ts.Close()

	require.Equal(t, http.StatusOK, putDocument(t, handler, testDocument("did:example:a", "https://a1.example.com"), "").Code)
	require.Equal(t, http.StatusOK, putDocument(t, handler, testDocument("did:example:b", "https://b.example.com"), "").Code)
	require.Equal(t, http.StatusOK, putDocument(t, handler, testDocument("did:example:a", "https://a2.example.com"), "").Code)

	localStore := newMemoryStore(t)
	m, err := NewMirror(localStore, NewRegistryState(), ts.URL, -1, 2, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	ctx0 := context.Background()
	require.Eventually(t, func() bool {
		entries, err := localStore.ListDocuments(ctx0, 0, 0)
		return err == nil && len(entries) == 2
	}, 10*time.Second, 20*time.Millisecond)

	entry, err := localStore.GetDocument(ctx0, "did:example:a")
	require.NoError(t, err)
	assert.Equal(t, "https://a2.example.com", entry.Doc.DIDCommServices()[0].Endpoint())

	// live updates arrive over the stream
	require.Equal(t, http.StatusOK, putDocument(t, handler, testDocument("did:example:c", "https://c.example.com"), "").Code)
	require.Eventually(t, func() bool {
		entry, err := localStore.GetDocument(ctx0, "did:example:c")
		return err == nil && entry != nil
	}, 10*time.Second, 20*time.Millisecond)

	upstreamEntry, err := upstreamStore.GetDocument(ctx0, "did:example:c")
	require.NoError(t, err)
	entry, err = localStore.GetDocument(ctx0, "did:example:c")
	require.NoError(t, err)
	assert.Equal(t, upstreamEntry.CID, entry.CID)

	// the resume cursor is persisted per upstream host
	require.Eventually(t, func() bool {
		seq, err := localStore.GetCursor(ctx0, m.cursorHost)
		return err == nil && seq == upstreamEntry.Seq
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("mirror did not stop")
	}
}
