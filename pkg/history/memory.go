package history

import (
	"sync"

	"chatkit/pkg/models"
	"chatkit/pkg/telemetry"
)

// Memory is the reference in-memory Store. It holds messages for the
// process lifetime and exists both as the default backend when no data
// directory is configured and as the executable specification the
// pebble backend is tested against.
type Memory struct {
	mu      sync.Mutex
	msgs    []models.Message
	version uint64
	ended   bool
}

// NewMemory returns an empty in-memory history store.
func NewMemory() *Memory { return &Memory{} }

func (s *Memory) Latest(limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || len(s.msgs) == 0 {
		return nil, nil
	}
	start := len(s.msgs) - limit
	if start < 0 {
		start = 0
	}
	return cloneAll(s.msgs[start:]), nil
}

func (s *Memory) Before(pos models.HistoryPosition, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}
	found := false
	for i := range s.msgs {
		if storeID(&s.msgs[i]) == pos.StoreID {
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}
	// strictly before by timestamp; the slice is sorted so scan back
	end := len(s.msgs)
	for end > 0 && s.msgs[end-1].TSMicros >= pos.TSMicros {
		end--
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return cloneAll(s.msgs[start:end]), nil
}

func (s *Memory) ReceiveBefore(msgs []models.Message, hasMore bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !hasMore {
		s.ended = true
	}
	if len(msgs) == 0 {
		s.version++
		return nil
	}
	present := make(map[string]struct{}, len(s.msgs))
	for i := range s.msgs {
		present[storeID(&s.msgs[i])] = struct{}{}
	}
	prepend := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := present[storeID(&m)]; dup {
			continue
		}
		prepend = append(prepend, asHistory(m))
	}
	if len(prepend) > 0 {
		s.msgs = append(prepend, s.msgs...)
	}
	s.version++
	return nil
}

func (s *Memory) ReceiveUpdate(msgs []models.Message, deleteIDs []string) (Events, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ev Events
	if len(deleteIDs) > 0 {
		drop := make(map[string]struct{}, len(deleteIDs))
		for _, id := range deleteIDs {
			drop[id] = struct{}{}
		}
		kept := s.msgs[:0]
		for _, m := range s.msgs {
			if _, del := drop[storeID(&m)]; del {
				ev.Deleted = append(ev.Deleted, m)
				continue
			}
			kept = append(kept, m)
		}
		s.msgs = kept
		telemetry.MergeEvents.WithLabelValues("deleted").Add(float64(len(ev.Deleted)))
	}

	incoming := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		incoming = append(incoming, asHistory(m))
	}
	merged, mev := mergeOrdered(s.msgs, incoming)
	s.msgs = merged
	ev.Added = mev.Added
	ev.Changed = mev.Changed

	if !ev.Empty() {
		s.version++
	}
	return ev, nil
}

func (s *Memory) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
	s.version++
	return nil
}

func (s *Memory) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Memory) ReachedEnd() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func cloneAll(in []models.Message) []models.Message {
	out := make([]models.Message, 0, len(in))
	for i := range in {
		out = append(out, in[i].Clone())
	}
	return out
}
