package registry

import (
	"sync"

	"github.com/emirpasic/gods/maps/hashmap"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

/*

InFlight tracks documents between fetch and commit.

- at most one entry per DID is in flight at a time
- Add and Skip are always called in order of ascending seq
- the resume cursor is the highest seq such that it and every seq before it are done

*/

type InFlight struct {
	resumeCursor int64
	byDID        *hashmap.Map // DID -> seq
	pending      *treemap.Map // seq -> done (bool), ordered by seq
	lock         sync.Mutex
}

func NewInFlight(resumeCursor int64) *InFlight {
	return &InFlight{
		resumeCursor: resumeCursor,
		byDID:        hashmap.New(),
		pending:      treemap.NewWith(utils.Int64Comparator),
	}
}

func (infl *InFlight) ResumeCursor() int64 {
	infl.lock.Lock()
	defer infl.lock.Unlock()
	return infl.resumeCursor
}

func (infl *InFlight) Len() int {
	infl.lock.Lock()
	defer infl.lock.Unlock()
	return infl.byDID.Size()
}

// Add marks (did, seq) as in flight. Returns false, changing nothing, if the DID already is.
func (infl *InFlight) Add(did string, seq int64) bool {
	infl.lock.Lock()
	defer infl.lock.Unlock()

	if _, found := infl.byDID.Get(did); found {
		return false
	}
	infl.byDID.Put(did, seq)
	infl.pending.Put(seq, false)
	return true
}

// Done marks (did, seq) as finished, whether committed or rejected, and advances
// the resume cursor over any prefix of finished seqs. Unknown pairs are ignored.
func (infl *InFlight) Done(did string, seq int64) {
	infl.lock.Lock()
	defer infl.lock.Unlock()

	cur, found := infl.byDID.Get(did)
	if !found || cur.(int64) != seq {
		return
	}
	infl.byDID.Remove(did)
	infl.pending.Put(seq, true)
	infl.drain()
}

// Skip records seq as finished without it ever being in flight, for upstream
// entries that are dropped before validation. Must be called in seq order with Add.
func (infl *InFlight) Skip(seq int64) {
	infl.lock.Lock()
	defer infl.lock.Unlock()

	infl.pending.Put(seq, true)
	infl.drain()
}

// advances the resume cursor over the finished prefix of pending. Caller holds the lock.
func (infl *InFlight) drain() {
	for {
		minSeq, done := infl.pending.Min()
		if minSeq == nil || !done.(bool) {
			break
		}
		infl.resumeCursor = minSeq.(int64)
		infl.pending.Remove(minSeq)
	}
}
