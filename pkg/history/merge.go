package history

import (
	"chatkit/pkg/models"
	"chatkit/pkg/telemetry"
)

// mergeOrdered folds incoming (ascending by timestamp) into stored
// (ascending) and returns the new sequence plus the events it produced.
//
// Rules, in stored order: incoming messages with a timestamp strictly
// below the current stored message are insertions before it — but only
// once at least one stored message has been kept; before that point
// they are dropped, because a change older than all retained history
// has already been surfaced through backward paging and inserting it
// again would duplicate it. An incoming message whose timestamp and
// store id match a stored message replaces it in place (an edit); a
// "changed" event is emitted only when content differs, which makes
// replaying a merged batch a no-op. Whatever remains after the last
// stored message is appended.
func mergeOrdered(stored, incoming []models.Message) ([]models.Message, Events) {
	var ev Events
	if len(incoming) == 0 {
		return stored, ev
	}

	in := append([]models.Message(nil), incoming...)
	out := make([]models.Message, 0, len(stored)+len(in))
	dropped := 0

	for _, s := range stored {
		// drain strictly-older incoming messages
		for len(in) > 0 && in[0].TSMicros < s.TSMicros {
			m := in[0]
			in = in[1:]
			if len(out) == 0 {
				dropped++
				continue
			}
			out = append(out, m)
			ev.Added = append(ev.Added, m)
		}

		// an equal-timestamp incoming message with the same store id is
		// an edit of s; scan the equal-timestamp run for it
		replaced := false
		for k := 0; k < len(in) && in[k].TSMicros == s.TSMicros; k++ {
			if storeID(&in[k]) != storeID(&s) {
				continue
			}
			m := in[k]
			in = append(in[:k], in[k+1:]...)
			if !m.ContentEqual(&s) {
				ev.Changed = append(ev.Changed, Change{Old: s, New: m})
			}
			out = append(out, m)
			replaced = true
			break
		}
		if !replaced {
			out = append(out, s)
		}
	}

	// leftovers sort at or after the last stored message
	for _, m := range in {
		out = append(out, m)
		ev.Added = append(ev.Added, m)
	}

	if dropped > 0 {
		telemetry.MergeEvents.WithLabelValues("dropped").Add(float64(dropped))
	}
	telemetry.MergeEvents.WithLabelValues("added").Add(float64(len(ev.Added)))
	telemetry.MergeEvents.WithLabelValues("changed").Add(float64(len(ev.Changed)))
	return out, ev
}

// storeID returns the merge identity of a history message: its history
// position id when present, else the client-side id.
func storeID(m *models.Message) string {
	if m.History != nil && m.History.StoreID != "" {
		return m.History.StoreID
	}
	return m.ClientID
}

// asHistory normalizes a message for storage: owned by history, sent.
func asHistory(m models.Message) models.Message {
	m.Source = models.SourceHistory
	m.Status = models.StatusSent
	if m.History == nil {
		m.History = &models.HistoryPosition{StoreID: m.ClientID, TSMicros: m.TSMicros}
	}
	return m
}
