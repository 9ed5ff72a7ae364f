package diddoc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

var (
	// May be returned by VerifyDocument (as a wrapped error)
	ErrInvalidDocument = errors.New("invalid DID document")

	// May be returned by CommitDocuments (as a wrapped error)
	ErrHeadMismatch = errors.New("head mismatch")
)

// DocumentEntry is a stored document plus its registry metadata.
//
// Doc must be treated as read-only; stores may share it between callers.
type DocumentEntry struct {
	Seq       int64 // position in the store's change feed; increases on every commit
	DID       string
	CID       string
	UpdatedAt time.Time
	Doc       *Document
}

// PreparedDocument contains everything needed to commit a verified document.
type PreparedDocument struct {
	DID       string
	PrevCID   string // CID of the stored document this replaces ("" if none)
	CID       string
	UpdatedAt time.Time
	Doc       *Document
}

type DocumentStore interface {
	// GetDocument returns the current entry for a DID, or nil if the DID is unknown.
	GetDocument(ctx context.Context, did string) (*DocumentEntry, error)

	// ListDocuments returns up to limit entries with Seq > after, in ascending Seq order.
	ListDocuments(ctx context.Context, after int64, limit int) ([]*DocumentEntry, error)

	// CommitDocuments atomically commits a batch of prepared documents, returning
	// the resulting entries in the same order. All documents in the batch are
	// committed, or none are. A batch may not contain the same DID twice.
	//
	// For each PreparedDocument, PrevCID MUST match the CID currently stored for
	// the DID ("" if none), otherwise the batch fails with ErrHeadMismatch.
	CommitDocuments(ctx context.Context, docs []*PreparedDocument) ([]*DocumentEntry, error)
}

// VerifyDocument re-validates every service of doc, computes its CID, and
// prepares it for commit on top of whatever the store currently holds for the DID.
// Errors wrapping ErrInvalidDocument indicate the document is *definitely* invalid.
// Other errors are store-related and may be resolved by retrying.
func VerifyDocument(ctx context.Context, store DocumentStore, doc *Document, updatedAt time.Time) (*PreparedDocument, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidDocument)
	}
	if _, err := syntax.ParseDID(doc.ID.String()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	// services built through the trusted constructors have not been through the schema yet
	for _, svc := range doc.Service {
		if _, err := ParseService(svc.Serialize()); err != nil {
			return nil, fmt.Errorf("%w: service %s: %s", ErrInvalidDocument, svc.ID(), ValidationDetail(err))
		}
	}

	c, err := DocumentCID(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	did := doc.ID.String()
	current, err := store.GetDocument(ctx, did)
	if err != nil {
		return nil, err
	}

	prep := &PreparedDocument{
		DID:       did,
		CID:       c.String(),
		UpdatedAt: updatedAt,
		Doc:       doc,
	}
	if current != nil {
		if updatedAt.Before(current.UpdatedAt) {
			return nil, fmt.Errorf("%w: update is older than stored document (%s < %s)",
				ErrInvalidDocument, updatedAt, current.UpdatedAt)
		}
		prep.PrevCID = current.CID
	}
	return prep, nil
}

// MemDocumentStore is an in-memory DocumentStore.
type MemDocumentStore struct {
	docs map[string]*DocumentEntry // DID -> current entry
	seq  int64
	lock sync.RWMutex
}

var _ DocumentStore = (*MemDocumentStore)(nil)

func NewMemDocumentStore() *MemDocumentStore {
	return &MemDocumentStore{
		docs: make(map[string]*DocumentEntry),
	}
}

func (store *MemDocumentStore) GetDocument(ctx context.Context, did string) (*DocumentEntry, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	entry, ok := store.docs[did]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (store *MemDocumentStore) ListDocuments(ctx context.Context, after int64, limit int) ([]*DocumentEntry, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	var out []*DocumentEntry
	for _, entry := range store.docs {
		if entry.Seq > after {
			cp := *entry
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (store *MemDocumentStore) CommitDocuments(ctx context.Context, docs []*PreparedDocument) ([]*DocumentEntry, error) {
	store.lock.Lock()
	defer store.lock.Unlock()

	// check everything first, so a failure leaves the store untouched
	seen := make(map[string]bool, len(docs))
	for _, prep := range docs {
		if seen[prep.DID] {
			return nil, fmt.Errorf("duplicate DID in batch: %s", prep.DID)
		}
		seen[prep.DID] = true

		headCID := ""
		if current, ok := store.docs[prep.DID]; ok {
			headCID = current.CID
		}
		if headCID != prep.PrevCID {
			return nil, fmt.Errorf("%w: %s", ErrHeadMismatch, prep.DID)
		}
	}

	entries := make([]*DocumentEntry, 0, len(docs))
	for _, prep := range docs {
		store.seq++
		entry := &DocumentEntry{
			Seq:       store.seq,
			DID:       prep.DID,
			CID:       prep.CID,
			UpdatedAt: prep.UpdatedAt,
			Doc:       prep.Doc,
		}
		store.docs[prep.DID] = entry
		cp := *entry
		entries = append(entries, &cp)
	}
	return entries, nil
}
