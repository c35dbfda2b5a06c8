// Package store provides the BadgerDB-backed sim.PlanStore.
//
// Content blobs and metadata records live under separate keys so that
// GetMetadata never reads the (large) content value. Writes are committed in a
// single transaction per call; with SyncWrites enabled a commit is fsynced
// before Put returns, and badger's value log replays committed writes after a
// crash.
package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/plancache/sim"
)

const (
	lockStripes   = 256
	agentPageSize = 1024

	// sequence leases; unused ids of a lease are skipped after a restart
	planIDBandwidth = 1000
	insertBandwidth = 1000
)

// BadgerStore implements sim.PlanStore on BadgerDB.
type BadgerStore struct {
	db *badger.DB
	gc *GCRunner

	planIDs *badger.Sequence
	inserts *badger.Sequence

	stripes [lockStripes]sync.Mutex

	closeMu sync.RWMutex
	closed  bool
}

// Open opens (or creates) a store at cfg.Dir.
func Open(cfg sim.StoreConfig) (*BadgerStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("%w: create store directory %s: %w", sim.ErrIOFailure, cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(newBadgerLogger())
	if cfg.MemTableSize > 0 {
		opts = opts.WithMemTableSize(cfg.MemTableSize)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger at %q: %w", sim.ErrIOFailure, cfg.Dir, err)
	}

	s := &BadgerStore{db: db}
	if s.planIDs, err = db.GetSequence(seqPlanIDKey, planIDBandwidth); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: plan id sequence: %w", sim.ErrIOFailure, err)
	}
	if s.inserts, err = db.GetSequence(seqInsertKey, insertBandwidth); err != nil {
		_ = s.planIDs.Release()
		db.Close()
		return nil, fmt.Errorf("%w: insertion sequence: %w", sim.ErrIOFailure, err)
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio)
		if err != nil {
			s.releaseSequences()
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gc = runner
		runner.Start()
	}
	logrus.Debugf("plan store opened at %q (in-memory=%v, sync=%v)", cfg.Dir, cfg.InMemory, cfg.SyncWrites)
	return s, nil
}

// DiskUsage returns the LSM and value-log sizes in bytes.
func (s *BadgerStore) DiskUsage() (lsm, vlog int64) {
	return s.db.Size()
}

func (s *BadgerStore) stripe(agent sim.AgentID, plan sim.PlanID) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(agent))
	var b [8]byte
	for i := range b {
		b[i] = byte(plan >> (8 * i))
	}
	h.Write(b[:])
	return &s.stripes[h.Sum32()%lockStripes]
}

// begin checks the context and the closed flag. On success the caller holds
// closeMu for reading and must call the returned release.
func (s *BadgerStore) begin(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return nil, sim.ErrStoreClosed
	}
	return s.closeMu.RUnlock, nil
}

func checkKey(agent sim.AgentID, plan sim.PlanID) error {
	if err := validAgentID(agent); err != nil {
		return err
	}
	if plan == sim.NoPlanID {
		return errors.New("plan id is unassigned")
	}
	return nil
}

// NextPlanID allocates an id from the persisted sequence. Never returns sim.NoPlanID.
func (s *BadgerStore) NextPlanID(ctx context.Context) (sim.PlanID, error) {
	release, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	for {
		n, err := s.planIDs.Next()
		if err != nil {
			return 0, fmt.Errorf("%w: next plan id: %w", sim.ErrIOFailure, err)
		}
		if id := sim.PlanID(n); id != sim.NoPlanID {
			return id, nil
		}
	}
}

// Put writes content and metadata in one transaction. Overwrites keep the
// original insertion position.
func (s *BadgerStore) Put(ctx context.Context, agent sim.AgentID, plan sim.PlanID, payload []byte, meta sim.PlanMeta) error {
	if err := checkKey(agent, plan); err != nil {
		return err
	}
	release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	mu := s.stripe(agent, plan)
	mu.Lock()
	defer mu.Unlock()

	metaKey := planKey(prefixMeta, agent, plan)
	err = s.db.Update(func(txn *badger.Txn) error {
		seq, err := s.existingSeq(txn, metaKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			seq, err = s.inserts.Next()
		}
		if err != nil {
			return err
		}
		if err := txn.Set(planKey(prefixContent, agent, plan), payload); err != nil {
			return err
		}
		return txn.Set(metaKey, encodeMeta(metaRecord{meta: meta, seq: seq}))
	})
	if err != nil {
		return fmt.Errorf("%w: put %s/%d: %w", sim.ErrIOFailure, agent, plan, err)
	}
	return nil
}

func (s *BadgerStore) existingSeq(txn *badger.Txn, metaKey []byte) (uint64, error) {
	item, err := txn.Get(metaKey)
	if err != nil {
		return 0, err
	}
	var rec metaRecord
	err = item.Value(func(v []byte) error {
		rec, err = decodeMeta(v)
		return err
	})
	return rec.seq, err
}

// PutMetadata rewrites only the metadata record of an existing entry.
func (s *BadgerStore) PutMetadata(ctx context.Context, agent sim.AgentID, plan sim.PlanID, meta sim.PlanMeta) error {
	if err := checkKey(agent, plan); err != nil {
		return err
	}
	release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	mu := s.stripe(agent, plan)
	mu.Lock()
	defer mu.Unlock()

	metaKey := planKey(prefixMeta, agent, plan)
	err = s.db.Update(func(txn *badger.Txn) error {
		seq, err := s.existingSeq(txn, metaKey)
		if err != nil {
			return err
		}
		return txn.Set(metaKey, encodeMeta(metaRecord{meta: meta, seq: seq}))
	})
	return s.mapErr("put metadata", agent, plan, err)
}

// Get returns a copy of the content blob.
func (s *BadgerStore) Get(ctx context.Context, agent sim.AgentID, plan sim.PlanID) ([]byte, error) {
	if err := checkKey(agent, plan); err != nil {
		return nil, err
	}
	release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	mu := s.stripe(agent, plan)
	mu.Lock()
	defer mu.Unlock()

	var data []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(planKey(prefixContent, agent, plan))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, s.mapErr("get", agent, plan, err)
	}
	return data, nil
}

// GetMetadata reads the metadata record; the content blob is not touched.
func (s *BadgerStore) GetMetadata(ctx context.Context, agent sim.AgentID, plan sim.PlanID) (sim.PlanMeta, error) {
	if err := checkKey(agent, plan); err != nil {
		return sim.PlanMeta{}, err
	}
	release, err := s.begin(ctx)
	if err != nil {
		return sim.PlanMeta{}, err
	}
	defer release()

	mu := s.stripe(agent, plan)
	mu.Lock()
	defer mu.Unlock()

	var rec metaRecord
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(planKey(prefixMeta, agent, plan))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			rec, err = decodeMeta(v)
			return err
		})
	})
	if err != nil {
		return sim.PlanMeta{}, s.mapErr("get metadata", agent, plan, err)
	}
	return rec.meta, nil
}

// ListPlanIDs returns the agent's plan ids ordered by first insertion.
func (s *BadgerStore) ListPlanIDs(ctx context.Context, agent sim.AgentID) ([]sim.PlanID, error) {
	if err := validAgentID(agent); err != nil {
		return nil, err
	}
	release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	type entry struct {
		id  sim.PlanID
		seq uint64
	}
	var entries []entry
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = agentPrefix(prefixMeta, agent)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			_, id, err := splitPlanKey(item.Key())
			if err != nil {
				return fmt.Errorf("%w: %w", sim.ErrCodec, err)
			}
			var rec metaRecord
			if err := item.Value(func(v []byte) error {
				rec, err = decodeMeta(v)
				return err
			}); err != nil {
				return err
			}
			entries = append(entries, entry{id: id, seq: rec.seq})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list plans of %s: %w", sim.ErrIOFailure, agent, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	ids := make([]sim.PlanID, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

// ForEachAgent visits every agent with at least one entry, in key order.
// Agent ids are read in pages outside of fn, so fn may call other store methods.
func (s *BadgerStore) ForEachAgent(ctx context.Context, fn func(sim.AgentID) error) error {
	cursor := []byte{prefixMeta}
	for {
		page, next, err := s.agentPage(ctx, cursor)
		if err != nil {
			return err
		}
		for _, agent := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(agent); err != nil {
				return err
			}
		}
		if next == nil {
			return nil
		}
		cursor = next
	}
}

// agentPage reads up to agentPageSize agent ids starting at cursor. next is
// nil when the key space is exhausted.
func (s *BadgerStore) agentPage(ctx context.Context, cursor []byte) (page []sim.AgentID, next []byte, err error) {
	release, err := s.begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixMeta}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(cursor); it.Valid(); {
			agent, _, err := splitPlanKey(it.Item().Key())
			if err != nil {
				return fmt.Errorf("%w: %w", sim.ErrCodec, err)
			}
			// first key past this agent's entries
			skip := agentPrefix(prefixMeta, agent)
			skip[len(skip)-1] = agentSeparator + 1
			if len(page) == agentPageSize {
				next = agentPrefix(prefixMeta, agent)
				return nil
			}
			page = append(page, agent)
			it.Seek(skip)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: enumerate agents: %w", sim.ErrIOFailure, err)
	}
	return page, next, nil
}

// Delete removes content and metadata of an entry.
func (s *BadgerStore) Delete(ctx context.Context, agent sim.AgentID, plan sim.PlanID) error {
	if err := checkKey(agent, plan); err != nil {
		return err
	}
	release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	mu := s.stripe(agent, plan)
	mu.Lock()
	defer mu.Unlock()

	metaKey := planKey(prefixMeta, agent, plan)
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(metaKey); err != nil {
			return err
		}
		if err := txn.Delete(planKey(prefixContent, agent, plan)); err != nil {
			return err
		}
		return txn.Delete(metaKey)
	})
	return s.mapErr("delete", agent, plan, err)
}

// Close stops GC, returns unused sequence leases and closes the database.
// Further calls return nil; other methods return sim.ErrStoreClosed.
func (s *BadgerStore) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.gc != nil {
		s.gc.Stop()
	}
	seqErr := s.releaseSequences()
	if err := s.db.Close(); err != nil {
		return errors.Join(seqErr, fmt.Errorf("%w: close badger: %w", sim.ErrIOFailure, err))
	}
	return seqErr
}

func (s *BadgerStore) releaseSequences() error {
	var errs []error
	for _, seq := range []*badger.Sequence{s.planIDs, s.inserts} {
		if seq == nil {
			continue
		}
		if err := seq.Release(); err != nil {
			errs = append(errs, fmt.Errorf("%w: release sequence: %w", sim.ErrIOFailure, err))
		}
	}
	return errors.Join(errs...)
}

func (s *BadgerStore) mapErr(op string, agent sim.AgentID, plan sim.PlanID, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return fmt.Errorf("%s %s/%d: %w", op, agent, plan, sim.ErrNotFound)
	case errors.Is(err, sim.ErrCodec):
		return fmt.Errorf("%s %s/%d: %w", op, agent, plan, err)
	default:
		return fmt.Errorf("%w: %s %s/%d: %w", sim.ErrIOFailure, op, agent, plan, err)
	}
}

var _ sim.PlanStore = (*BadgerStore)(nil)
