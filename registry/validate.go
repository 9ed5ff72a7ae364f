package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/did-method-plc/go-diddoc"
	"go.opentelemetry.io/otel/metric"
)

// PendingDocument is an upstream document waiting to be validated and committed locally.
type PendingDocument struct {
	Seq       int64 // upstream seq
	DID       string
	CID       string // CID claimed by upstream
	UpdatedAt time.Time
	Doc       *diddoc.Document // nil for entries skipped as invalid
}

const batchSize = 1000

type ValidatedDocument struct {
	Seq  int64
	Prep *diddoc.PreparedDocument
}

// ValidateWorker validates documents from the pending channel and sends them on
// to the commit worker. Multiple workers can run in parallel.
// Note: caller is responsible for inserting into InFlight, but we are responsible for removal on validation failure
func ValidateWorker(ctx context.Context, pending <-chan *PendingDocument, validated chan<- ValidatedDocument, infl *InFlight, store diddoc.DocumentStore) {
	for {
		select {
		case <-ctx.Done():
			return
		case pd, ok := <-pending:
			if !ok {
				return
			}

			prep, err := validateInner(ctx, pd, store)
			if err != nil {
				slog.Warn("validation failed", "did", pd.DID, "seq", pd.Seq, "cid", pd.CID, "error", err)
				DocumentsRejectedCounter.Add(ctx, 1, metric.WithAttributes(RejectSourceMirror))
				infl.Done(pd.DID, pd.Seq)
				continue
			}

			select {
			case validated <- ValidatedDocument{Seq: pd.Seq, Prep: prep}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// CommitWorker receives validated documents and commits them to the store in batches.
// Only a single commit worker should run to avoid database contention.
// Note: responsible for removing from InFlight after commit
func CommitWorker(ctx context.Context, validated <-chan ValidatedDocument, infl *InFlight, store diddoc.DocumentStore, state *RegistryState, flushCh <-chan chan struct{}) {
	batch := make([]ValidatedDocument, 0, batchSize)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	commitBatch := func() {
		if len(batch) == 0 {
			return
		}

		preps := make([]*diddoc.PreparedDocument, len(batch))
		for i, vd := range batch {
			preps[i] = vd.Prep
		}

		for {
			entries, err := store.CommitDocuments(ctx, preps)
			if err == nil {
				state.Committed(ctx, entries)
				break
			}
			if errors.Is(err, diddoc.ErrHeadMismatch) {
				// somebody else (probably a PUT) got in first; sort it out one by one
				commitIndividually(ctx, batch, store, state)
				break
			}
			slog.Error("failed to commit batch", "batch_size", len(batch), "error", err)

			// transient db trouble, hopefully
			if !sleepCtx(ctx, 1*time.Second) {
				return
			}
		}

		for _, vd := range batch {
			infl.Done(vd.Prep.DID, vd.Seq)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			commitBatch()
			return
		case vd, ok := <-validated:
			if !ok {
				commitBatch()
				return
			}

			batch = append(batch, vd)
			if len(batch) >= batchSize {
				commitBatch()
			}

		case <-ticker.C:
			// Periodically flush partial batches to prevent deadlock
			commitBatch()

		case done := <-flushCh:
			commitBatch()
			close(done)
		}
	}
}

// commitIndividually commits each document of batch on its own. Documents whose
// head moved since validation are re-verified once against the new head; if that
// fails too they are dropped.
func commitIndividually(ctx context.Context, batch []ValidatedDocument, store diddoc.DocumentStore, state *RegistryState) {
	for _, vd := range batch {
		prep := vd.Prep
		for attempt := 0; ; attempt++ {
			entries, err := store.CommitDocuments(ctx, []*diddoc.PreparedDocument{prep})
			if err == nil {
				state.Committed(ctx, entries)
				break
			}
			if errors.Is(err, diddoc.ErrHeadMismatch) && attempt == 0 {
				prep, err = diddoc.VerifyDocument(ctx, store, prep.Doc, prep.UpdatedAt)
				if err == nil {
					continue
				}
			}
			slog.Warn("dropping document", "did", vd.Prep.DID, "seq", vd.Seq, "error", err)
			DocumentsRejectedCounter.Add(ctx, 1, metric.WithAttributes(RejectSourceMirror))
			break
		}
	}
}

func validateInner(ctx context.Context, pd *PendingDocument, store diddoc.DocumentStore) (*diddoc.PreparedDocument, error) {
	var prep *diddoc.PreparedDocument
	var err error

	for {
		prep, err = diddoc.VerifyDocument(ctx, store, pd.Doc, pd.UpdatedAt)
		if err != nil {
			if errors.Is(err, diddoc.ErrInvalidDocument) {
				// Document is definitely invalid - don't retry
				return nil, fmt.Errorf("failed verifying document %s, %s: %w", pd.DID, pd.CID, err)
			}

			// Transient error (hopefully) - retry with sleep.
			slog.Warn("failed verifying document, retrying", "did", pd.DID, "cid", pd.CID, "error", err)
			if !sleepCtx(ctx, 1*time.Second) {
				return nil, fmt.Errorf("context cancelled while retrying verification: %w", err)
			}
			continue
		}

		break // success
	}

	if prep.CID != pd.CID {
		return nil, fmt.Errorf("inconsistent CID for %s: upstream says %s, computed %s", pd.DID, pd.CID, prep.CID)
	}

	return prep, nil
}
