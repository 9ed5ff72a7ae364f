package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/carlmjohnson/versioninfo"
	"github.com/did-method-plc/go-diddoc"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
)

const (
	// default and maximum count for GET /_export
	exportPageSize = 1000

	// default and maximum limit for GET /_services
	servicesPageSize = 1000

	maxDocumentSize = 1 << 20
)

// ServiceRef is one item of the GET /_services response
type ServiceRef struct {
	DID             string `json:"did"`
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
	CID             string `json:"cid"`
}

// Server holds the HTTP server and its dependencies
type Server struct {
	store    *GormDocumentStore
	state    *RegistryState
	addr     string
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates a new HTTP server
func NewServer(store *GormDocumentStore, state *RegistryState, addr string, logger *slog.Logger) *Server {
	return &Server{
		store: store,
		state: state,
		addr:  addr,
		upgrader: websocket.Upgrader{
			// the stream is public, read-only data
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "server"),
	}
}

// Handler returns the instrumented request router
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_health", s.handleHealth)
	mux.HandleFunc("GET /_export", s.handleExport)
	mux.HandleFunc("GET /_stream", s.handleStream)
	mux.HandleFunc("GET /_services", s.handleServices)
	mux.HandleFunc("GET /{did}/service", s.handleDIDServices)
	mux.HandleFunc("GET /{did}/didcomm", s.handleDIDComm)
	mux.HandleFunc("GET /{did}", s.handleDIDDoc)
	mux.HandleFunc("PUT /{did}", s.handlePutDIDDoc)
	mux.HandleFunc("GET /{$}", s.handleIndex)

	return otelhttp.NewHandler(mux, "")
}

// Run starts the HTTP server, blocking until ctx is cancelled or the listener fails
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// handleIndex serves the index page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "hello diddoc registry\n")
}

// handleHealth handles GET /_health - returns version information and the last commit time
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"version":     versioninfo.Short(),
		"head":        s.state.Hub().Head(),
		"subscribers": s.state.Hub().Subscribers(),
	}
	if t := s.state.LastCommitTime(); !t.IsZero() {
		resp["lastCommit"] = t.UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

// parses an optional non-negative integer query parameter
func queryInt(r *http.Request, name string, dflt int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return dflt, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s parameter: %q", name, raw)
	}
	return v, nil
}

// handleExport handles GET /_export?after=N&count=M - returns up to M entries with seq > N as newline-delimited JSON
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, err := queryInt(r, "count", exportPageSize)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if count == 0 || count > exportPageSize {
		count = exportPageSize
	}

	entries, err := s.store.ListDocuments(r.Context(), after, int(count))
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error listing documents: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/jsonlines")
	enc := json.NewEncoder(w)
	for _, entry := range entries {
		ee, err := newExportEntry(entry)
		if err != nil {
			// headers are already out; all we can do is stop
			s.logger.Error("failed to encode export entry", "did", entry.DID, "error", err)
			return
		}
		if err := enc.Encode(ee); err != nil {
			return
		}
	}
}

// handleServices handles GET /_services?type=T - lists indexed services of one type
func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	typ := r.URL.Query().Get("type")
	if typ == "" {
		writeJSONError(w, "missing type parameter", http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", servicesPageSize)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if limit == 0 || limit > servicesPageSize {
		limit = servicesPageSize
	}

	recs, err := s.store.ListServicesByType(r.Context(), typ, int(limit))
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error listing services: %v", err), http.StatusInternalServerError)
		return
	}

	out := make([]ServiceRef, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ServiceRef{
			DID:             rec.DID,
			ID:              rec.ServiceID,
			Type:            rec.Type,
			ServiceEndpoint: rec.Endpoint,
			CID:             rec.CID,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// fetches the current entry for the {did} path value, writing an error response if there isn't one
func (s *Server) lookupEntry(w http.ResponseWriter, r *http.Request) *diddoc.DocumentEntry {
	did := r.PathValue("did")
	entry, err := s.store.GetDocument(r.Context(), did)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching document: %v", err), http.StatusInternalServerError)
		return nil
	}
	if entry == nil {
		writeJSONError(w, fmt.Sprintf("DID not registered: %s", did), http.StatusNotFound)
		return nil
	}
	return entry
}

// handleDIDDoc handles GET /{did} - returns the DID document
func (s *Server) handleDIDDoc(w http.ResponseWriter, r *http.Request) {
	entry := s.lookupEntry(w, r)
	if entry == nil {
		return
	}

	etag := `"` + entry.CID + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/did+json")
	w.Header().Set("Last-Modified", entry.UpdatedAt.UTC().Format(http.TimeFormat))
	if err := json.NewEncoder(w).Encode(entry.Doc); err != nil {
		writeJSONError(w, fmt.Sprintf("error encoding response: %v", err), http.StatusInternalServerError)
		return
	}
}

// handleDIDServices handles GET /{did}/service - returns just the service entries
func (s *Server) handleDIDServices(w http.ResponseWriter, r *http.Request) {
	entry := s.lookupEntry(w, r)
	if entry == nil {
		return
	}

	out := make([]map[string]any, 0, len(entry.Doc.Service))
	for _, svc := range entry.Doc.Service {
		out = append(out, svc.Serialize())
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleDIDComm handles GET /{did}/didcomm - returns where to send DIDComm messages for the DID
func (s *Server) handleDIDComm(w http.ResponseWriter, r *http.Request) {
	entry := s.lookupEntry(w, r)
	if entry == nil {
		return
	}

	dest, err := entry.Doc.DIDCommDestination()
	if errors.Is(err, diddoc.ErrNoDIDCommService) {
		writeJSONError(w, fmt.Sprintf("no DIDComm service for %s", entry.DID), http.StatusNotFound)
		return
	}
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dest)
}

// handlePutDIDDoc handles PUT /{did} - validates and stores a new document version.
// An If-Match header holding the CID of the current version makes the write conditional.
func (s *Server) handlePutDIDDoc(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	did, err := syntax.ParseDID(r.PathValue("did"))
	if err != nil {
		writeJSONError(w, fmt.Sprintf("invalid DID: %v", err), http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentSize))
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error reading body: %v", err), http.StatusRequestEntityTooLarge)
		return
	}

	reject := func(msg string) {
		DocumentsRejectedCounter.Add(ctx, 1, metric.WithAttributes(RejectSourceAPI))
		writeJSONError(w, msg, http.StatusBadRequest)
	}

	doc, err := diddoc.ParseDocument(body)
	if err != nil {
		reject(diddoc.ValidationDetail(err))
		return
	}
	if doc.ID != did {
		reject(fmt.Sprintf("document id %s does not match %s", doc.ID, did))
		return
	}

	prep, err := diddoc.VerifyDocument(ctx, s.store, doc, time.Now().UTC())
	if errors.Is(err, diddoc.ErrInvalidDocument) {
		reject(err.Error())
		return
	}
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error verifying document: %v", err), http.StatusInternalServerError)
		return
	}

	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
		want := strings.Trim(ifMatch, `"`)
		if (want == "*" && prep.PrevCID == "") || (want != "*" && want != prep.PrevCID) {
			writeJSONError(w, fmt.Sprintf("current version of %s is not %s", did, ifMatch), http.StatusPreconditionFailed)
			return
		}
	}

	entries, err := s.store.CommitDocuments(ctx, []*diddoc.PreparedDocument{prep})
	if errors.Is(err, diddoc.ErrHeadMismatch) {
		writeJSONError(w, fmt.Sprintf("concurrent update of %s", did), http.StatusPreconditionFailed)
		return
	}
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error committing document: %v", err), http.StatusInternalServerError)
		return
	}
	s.state.Committed(ctx, entries)

	entry := entries[0]
	s.logger.Info("document committed", "did", entry.DID, "seq", entry.Seq, "cid", entry.CID)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", `"`+entry.CID+`"`)
	json.NewEncoder(w).Encode(diddoc.SubmitResult{
		Seq:       entry.Seq,
		DID:       entry.DID,
		CID:       entry.CID,
		UpdatedAt: entry.UpdatedAt.Format(time.RFC3339Nano),
	})
}
