package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"

	"chatkit/pkg/logger"
	"chatkit/pkg/models"
	"chatkit/pkg/telemetry"
)

// Key layout:
//   msg:<unix_micro_padded>-<seq>  -> message JSON
//   id:<store_id>                  -> primary msg key
//   meta:version                   -> decimal version tag
//   meta:end                       -> "1" once end-of-history reached
//
// The padded-timestamp prefix keeps pebble's key order equal to message
// time order, so range scans return history already sorted.

const (
	msgPrefix  = "msg:"
	idPrefix   = "id:"
	metaVerKey = "meta:version"
	metaEndKey = "meta:end"
)

func msgKey(tsMicros int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d-%06d", msgPrefix, tsMicros, seq))
}

func idKey(storeID string) []byte {
	return []byte(idPrefix + storeID)
}

// Pebble is the persistent Store backed by a local pebble database.
type Pebble struct {
	mu   sync.Mutex
	db   *pebble.DB
	path string
	seq  uint64
}

// OpenPebble opens (or creates) a pebble-backed history store at path.
func OpenPebble(path string) (*Pebble, error) {
	logger.Info("opening_history_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("history_db_open_failed", "path", path, "error", err)
		return nil, err
	}
	s := &Pebble{db: db, path: path}
	if err := s.seedSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("history_db_opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Pebble) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("history_db_closed", "path", s.path)
	return err
}

// seedSeq scans existing message keys so new keys never collide with
// ones written by a previous run.
func (s *Pebble) seedSeq() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	prefix := []byte(msgPrefix)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		k := string(iter.Key())
		if i := bytes.LastIndexByte([]byte(k), '-'); i >= 0 {
			if n, perr := strconv.ParseUint(k[i+1:], 10, 64); perr == nil && n >= s.seq {
				s.seq = n + 1
			}
		}
	}
	return iter.Error()
}

// loadLocked reads the full ordered message list. Client-side caches are
// bounded by retention, so a full scan stays cheap.
func (s *Pebble) loadLocked() ([]models.Message, error) {
	if s.db == nil {
		return nil, fmt.Errorf("history db not opened; call OpenPebble first")
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := []byte(msgPrefix)
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Error("history_invalid_message_json", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

func (s *Pebble) primaryKeyLocked(storeID string) ([]byte, bool, error) {
	v, closer, err := s.db.Get(idKey(storeID))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	k := append([]byte(nil), v...)
	_ = closer.Close()
	return k, true, nil
}

func (s *Pebble) putLocked(wb *pebble.Batch, m models.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal history message: %w", err)
	}
	// reuse the existing primary key on edits so the message keeps its
	// place; assign a fresh key otherwise
	key, ok, err := s.primaryKeyLocked(storeID(&m))
	if err != nil {
		return err
	}
	if !ok {
		key = msgKey(m.TSMicros, s.seq)
		s.seq++
	}
	if err := wb.Set(key, data, nil); err != nil {
		return err
	}
	return wb.Set(idKey(storeID(&m)), key, nil)
}

func (s *Pebble) deleteLocked(wb *pebble.Batch, storeID string) (bool, error) {
	key, ok, err := s.primaryKeyLocked(storeID)
	if err != nil || !ok {
		return false, err
	}
	if err := wb.Delete(key, nil); err != nil {
		return false, err
	}
	return true, wb.Delete(idKey(storeID), nil)
}

func (s *Pebble) bumpVersionLocked(wb *pebble.Batch) error {
	v := s.versionLocked() + 1
	return wb.Set([]byte(metaVerKey), []byte(strconv.FormatUint(v, 10)), nil)
}

func (s *Pebble) versionLocked() uint64 {
	v, closer, err := s.db.Get([]byte(metaVerKey))
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(string(v), 10, 64)
	_ = closer.Close()
	return n
}

func (s *Pebble) Latest(limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || len(msgs) == 0 {
		return nil, nil
	}
	start := len(msgs) - limit
	if start < 0 {
		start = 0
	}
	return msgs[start:], nil
}

func (s *Pebble) Before(pos models.HistoryPosition, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("history db not opened; call OpenPebble first")
	}
	if limit <= 0 {
		return nil, nil
	}
	if _, ok, err := s.primaryKeyLocked(pos.StoreID); err != nil || !ok {
		return nil, err
	}
	msgs, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	end := len(msgs)
	for end > 0 && msgs[end-1].TSMicros >= pos.TSMicros {
		end--
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return msgs[start:end], nil
}

func (s *Pebble) ReceiveBefore(msgs []models.Message, hasMore bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("history db not opened; call OpenPebble first")
	}
	wb := s.db.NewBatch()
	if !hasMore {
		if err := wb.Set([]byte(metaEndKey), []byte("1"), nil); err != nil {
			return err
		}
	}
	written := 0
	for _, m := range msgs {
		if _, dup, err := s.primaryKeyLocked(storeID(&m)); err != nil {
			return err
		} else if dup {
			continue
		}
		if err := s.putLocked(wb, asHistory(m)); err != nil {
			return err
		}
		written++
	}
	if err := s.bumpVersionLocked(wb); err != nil {
		return err
	}
	if err := s.db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("history_receive_before_failed", "error", err)
		return err
	}
	logger.Debug("history_received_before", "count", written, "has_more", hasMore)
	return nil
}

func (s *Pebble) ReceiveUpdate(msgs []models.Message, deleteIDs []string) (Events, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ev Events
	if s.db == nil {
		return ev, fmt.Errorf("history db not opened; call OpenPebble first")
	}

	stored, err := s.loadLocked()
	if err != nil {
		return ev, err
	}

	wb := s.db.NewBatch()

	if len(deleteIDs) > 0 {
		drop := make(map[string]struct{}, len(deleteIDs))
		for _, id := range deleteIDs {
			if ok, derr := s.deleteLocked(wb, id); derr != nil {
				return ev, derr
			} else if ok {
				drop[id] = struct{}{}
			}
		}
		kept := stored[:0]
		for _, m := range stored {
			if _, del := drop[storeID(&m)]; del {
				ev.Deleted = append(ev.Deleted, m)
				continue
			}
			kept = append(kept, m)
		}
		stored = kept
		telemetry.MergeEvents.WithLabelValues("deleted").Add(float64(len(ev.Deleted)))
	}

	incoming := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		incoming = append(incoming, asHistory(m))
	}
	_, mev := mergeOrdered(stored, incoming)
	ev.Added = mev.Added
	ev.Changed = mev.Changed

	for _, m := range ev.Added {
		if err := s.putLocked(wb, m); err != nil {
			return ev, err
		}
	}
	for _, c := range ev.Changed {
		if err := s.putLocked(wb, c.New); err != nil {
			return ev, err
		}
	}

	if ev.Empty() {
		_ = wb.Close()
		return ev, nil
	}
	if err := s.bumpVersionLocked(wb); err != nil {
		return ev, err
	}
	if err := s.db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("history_receive_update_failed", "error", err)
		return ev, err
	}
	return ev, nil
}

func (s *Pebble) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("history db not opened; call OpenPebble first")
	}
	wb := s.db.NewBatch()
	for _, prefix := range []string{msgPrefix, idPrefix} {
		if err := wb.DeleteRange([]byte(prefix), []byte(prefix+"\xff"), nil); err != nil {
			return err
		}
	}
	if err := s.bumpVersionLocked(wb); err != nil {
		return err
	}
	if err := s.db.Apply(wb, pebble.Sync); err != nil {
		return err
	}
	logger.Info("history_cleared", "path", s.path)
	return nil
}

func (s *Pebble) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0
	}
	return s.versionLocked()
}

func (s *Pebble) ReachedEnd() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false
	}
	v, closer, err := s.db.Get([]byte(metaEndKey))
	if err != nil {
		return false
	}
	ended := string(v) == "1"
	_ = closer.Close()
	return ended
}

// PruneOlderThan deletes up to batch cached messages with a timestamp
// below cutoffMicros and returns how many were removed. The retention
// runner calls this repeatedly until it returns zero.
func (s *Pebble) PruneOlderThan(cutoffMicros int64, batch int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, fmt.Errorf("history db not opened; call OpenPebble first")
	}
	if batch <= 0 {
		batch = 500
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	prefix := []byte(msgPrefix)
	cutoffKey := msgKey(cutoffMicros, 0)
	wb := s.db.NewBatch()
	removed := 0
	for iter.SeekGE(prefix); iter.Valid() && removed < batch; iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) || bytes.Compare(iter.Key(), cutoffKey) >= 0 {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err == nil {
			if err := wb.Delete(idKey(storeID(&m)), nil); err != nil {
				_ = iter.Close()
				return 0, err
			}
		}
		if err := wb.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			_ = iter.Close()
			return 0, err
		}
		removed++
	}
	ierr := iter.Error()
	_ = iter.Close()
	if ierr != nil {
		return 0, ierr
	}
	if removed == 0 {
		_ = wb.Close()
		return 0, nil
	}
	if err := s.bumpVersionLocked(wb); err != nil {
		return 0, err
	}
	if err := s.db.Apply(wb, pebble.Sync); err != nil {
		return 0, err
	}
	telemetry.RetentionPruned.Add(float64(removed))
	return removed, nil
}

// DiskUsage returns the best-effort on-disk size of the history cache.
func (s *Pebble) DiskUsage() uint64 {
	var total uint64
	_ = filepath.WalkDir(s.path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, ferr := d.Info(); ferr == nil {
			total += uint64(fi.Size())
		}
		return nil
	})
	return total
}
