// Package balancesnapshots keeps a write-ahead log of portfolio snapshots for replay and streaming.
package balancesnapshots

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/youtix/gekko2-sub000/internal/domain"
)

const (
	defaultSnapshotDir   = "./wal/balance"
	snapshotSegmentLimit = 1000
	snapshotMaxSegments  = 100
	snapshotKeyPrefix    = "portfolio:"
)

var errNotInitialized = errors.New("balance snapshot store is not initialized")

// WALStore appends snapshots to a gowal log. Indexes are assigned sequentially.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore opens or creates the log under dir.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultSnapshotDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "snapshot_",
		SegmentThreshold: snapshotSegmentLimit,
		MaxSegments:      snapshotMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init balance snapshot WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Save appends the snapshot and returns its index.
func (s *WALStore) Save(snapshot domain.BalanceSnapshot) (uint64, error) {
	if s == nil || s.wal == nil {
		return 0, errNotInitialized
	}
	if snapshot.Pair == "" {
		return 0, errors.New("balance snapshot pair is required")
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return 0, errors.Wrap(err, "marshal balance snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(index, snapshotKeyPrefix+snapshot.Pair, payload); err != nil {
		return 0, errors.Wrapf(err, "write balance snapshot %d", index)
	}
	return index, nil
}

// SnapshotsAfter returns snapshots with an index greater than index, oldest first.
// An empty pair matches every pair.
func (s *WALStore) SnapshotsAfter(index uint64, pair string) ([]domain.BalanceSnapshotRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errNotInitialized
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]domain.BalanceSnapshotRecord, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		record, ok, err := s.read(idx, pair)
		if err != nil {
			return nil, err
		}
		if ok {
			records = append(records, record)
		}
	}

	return records, nil
}

// Latest returns the most recent snapshot of pair, if any.
func (s *WALStore) Latest(pair string) (domain.BalanceSnapshotRecord, bool, error) {
	if s == nil || s.wal == nil {
		return domain.BalanceSnapshotRecord{}, false, errNotInitialized
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for idx := s.wal.CurrentIndex(); idx > 0; idx-- {
		record, ok, err := s.read(idx, pair)
		if err != nil || ok {
			return record, ok, err
		}
	}
	return domain.BalanceSnapshotRecord{}, false, nil
}

func (s *WALStore) read(idx uint64, pair string) (domain.BalanceSnapshotRecord, bool, error) {
	key, payload, ok := s.wal.Get(idx)
	if !ok || !strings.HasPrefix(key, snapshotKeyPrefix) {
		return domain.BalanceSnapshotRecord{}, false, nil
	}
	if pair != "" && strings.TrimPrefix(key, snapshotKeyPrefix) != pair {
		return domain.BalanceSnapshotRecord{}, false, nil
	}

	var snapshot domain.BalanceSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return domain.BalanceSnapshotRecord{}, false, errors.Wrapf(err, "decode balance snapshot %d", idx)
	}
	return domain.BalanceSnapshotRecord{Index: idx, Snapshot: snapshot}, true, nil
}

// CurrentIndex returns the latest index written.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errNotInitialized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
