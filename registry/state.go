package registry

import (
	"context"
	"sync"
	"time"

	"github.com/did-method-plc/go-diddoc"
)

// RegistryState holds shared state between the Mirror, the commit paths and the Server.
type RegistryState struct {
	mu             sync.RWMutex
	lastCommitTime time.Time
	hub            *Hub
}

func NewRegistryState() *RegistryState {
	return &RegistryState{
		hub: NewHub(),
	}
}

func (s *RegistryState) Hub() *Hub {
	return s.hub
}

// Committed records freshly committed entries and wakes up stream subscribers.
func (s *RegistryState) Committed(ctx context.Context, entries []*diddoc.DocumentEntry) {
	if len(entries) == 0 {
		return
	}
	s.mu.Lock()
	s.lastCommitTime = time.Now()
	s.mu.Unlock()

	head := entries[len(entries)-1].Seq
	s.hub.Publish(head)
	DocumentsCommittedCounter.Add(ctx, int64(len(entries)))
	HeadSeqGauge.Record(ctx, head)
}

func (s *RegistryState) LastCommitTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCommitTime
}
