package cell

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"chainarchive/internal/archerr"
	"chainarchive/internal/kv"
	"chainarchive/internal/types"
)

// MayDeleteState is the external "may I GC this root's state?" callback of
// §4.2 / §9 "Dynamic dispatch": a first-class function value standing in
// for the source's virtual-method callback classes.
type MayDeleteState func(block types.BlockID) bool

// HandleStateDeleter marks a handle's state_deleted bit durably before the
// owning root is removed from the cell store, preserving the §5 ordering
// invariant ("a handle's state-deleted bit must be persisted strictly
// before cell-store GC removes its root").
type HandleStateDeleter func(block types.BlockID) error

// Config tunes the store's optional BoC-compression migration (§4.2).
type Config struct {
	// DepthCutoff: cells whose subtree depth is >= this get their record's
	// stored_as_boc bit set by the background migration pass; the record
	// itself stays an individual cell record. Zero disables the migration
	// pass entirely.
	DepthCutoff int
	// MigrationBatchSize bounds how many cells one background migration
	// pass rewrites at a time (§4.2 "bounded-batch background pass").
	MigrationBatchSize int
}

var sentinelKey = []byte{} // the cyclic root-list sentinel's empty key

// Store is the persisted cell-graph: cells keyed by hash in
// kv.BucketCells, plus the doubly-linked root list in kv.BucketCellRoots.
type Store struct {
	db     *kv.Database
	cfg    Config
	log    *logrus.Entry
	mu     sync.Mutex // serializes store/GC mutations; reads go via snapshot
	queue  chan types.Hash
	cancel context.CancelFunc
}

// Open wires a cell Store against an already-opened KV database and starts
// its background migration worker if DepthCutoff is configured.
func Open(db *kv.Database, cfg Config, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Store{db: db, cfg: cfg, log: log.WithField("component", "cellstore")}
	if err := s.ensureSentinel(); err != nil {
		return nil, err
	}
	if cfg.DepthCutoff > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.queue = make(chan types.Hash, 1024)
		go s.migrationWorker(ctx)
	}
	return s, nil
}

// Close stops the background migration worker, if any.
func (s *Store) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Store) ensureSentinel() error {
	_, found, err := s.db.Get(kv.BucketCellRoots, sentinelKey)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	// An empty cyclic list: sentinel's prev and next both point to itself.
	entry := encodeRootEntry(rootEntry{prevKey: sentinelKey, nextKey: sentinelKey})
	return s.db.Set(kv.BucketCellRoots, sentinelKey, entry)
}

// StoreCell persists the DAG rooted at cell under block, unless block is
// already a known root (§4.2: "if block_id already present, return the
// existing cell"). It returns a handle loaded from the snapshot taken
// immediately after the commit, so the caller observes exactly what was
// durably written.
func (s *Store) StoreCell(block types.BlockID, root *Cell) (*Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := block.Bytes()
	if existing, found, err := s.db.Get(kv.BucketCellRoots, key); err != nil {
		return nil, archerr.Wrap(err, "cellstore: lookup root")
	} else if found {
		ent, err := decodeRootEntry(existing)
		if err != nil {
			return nil, err
		}
		return s.LoadCell(ent.rootHash)
	}

	batch, err := s.db.BeginBatch()
	if err != nil {
		return nil, archerr.Wrap(err, "cellstore: begin batch")
	}
	committed := false
	defer func() {
		if !committed {
			_ = batch.Abort()
		}
	}()

	visited := make(map[types.Hash]bool)
	if err := s.dfsIncrement(batch, root, visited); err != nil {
		return nil, err
	}

	if err := s.linkNewRoot(batch, key, root.Hash()); err != nil {
		return nil, err
	}

	if err := batch.Commit(); err != nil {
		return nil, archerr.Wrap(err, "cellstore: commit store_cell")
	}
	committed = true

	return s.LoadCell(root.Hash())
}

// dfsIncrement walks cell's subtree: a cell already present in the KV just
// gets its refcount bumped (its own subtree's retention is already
// accounted for by its existing record, so we don't re-walk its children —
// that is the whole point of structural sharing); a cell not yet present is
// inserted with refcount 1 and we recurse into its children.
func (s *Store) dfsIncrement(batch *kv.Batch, c *Cell, visited map[types.Hash]bool) error {
	h := c.Hash()
	if visited[h] {
		return nil // already handled within this store_cell call
	}
	visited[h] = true

	raw, found, err := s.db.Get(kv.BucketCells, h[:])
	if err != nil {
		return archerr.Wrap(err, "cellstore: get cell")
	}
	if found {
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		rec.Refcount++
		return batch.Set(kv.BucketCells, h[:], encodeRecord(rec))
	}

	rec := &record{Refcount: 1, Cell: c}
	if err := batch.Set(kv.BucketCells, h[:], encodeRecord(rec)); err != nil {
		return err
	}
	for _, refHash := range c.Refs {
		child, found, err := s.db.Get(kv.BucketCells, refHash[:])
		_ = child
		if err != nil {
			return archerr.Wrap(err, "cellstore: get child")
		}
		if !found {
			return archerr.Wrapf(archerr.ErrCorruption, "cellstore: missing child %s referenced by %s", refHash, h)
		}
		// The child already exists (it must, for us to reach this code
		// path building a DAG bottom-up); increment it through the same
		// dfsIncrement so a child shared by two new subtrees in a single
		// call is only ever bumped once.
		childRec, err := decodeRecord(child)
		if err != nil {
			return err
		}
		childCell := childRec.Cell
		if err := s.dfsIncrement(batch, childCell, visited); err != nil {
			return err
		}
	}
	return nil
}

// LoadCell looks up a cell by hash against a fresh snapshot.
func (s *Store) LoadCell(hash types.Hash) (*Cell, error) {
	raw, found, err := s.db.Get(kv.BucketCells, hash[:])
	if err != nil {
		return nil, archerr.Wrap(err, "cellstore: load")
	}
	if !found {
		return nil, archerr.Wrapf(archerr.ErrNotFound, "cellstore: cell %s", hash)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	if s.cfg.DepthCutoff > 0 && s.queue != nil {
		if depth := subtreeDepth(rec.Cell, 0, s.cfg.DepthCutoff+1); (depth >= s.cfg.DepthCutoff) != rec.StoredAsBoc {
			select {
			case s.queue <- hash:
			default: // migration queue full; skip, it'll be picked up next load
			}
		}
	}
	return rec.Cell, nil
}

func subtreeDepth(c *Cell, cur, cutoff int) int {
	if cur >= cutoff || len(c.Refs) == 0 {
		return cur
	}
	max := cur
	for range c.Refs {
		if d := cur + 1; d > max {
			max = d
		}
	}
	return max
}

// GCOldestRoot runs one step of the GC sweep of §4.2: it inspects the
// oldest linked-list entry, asks mayDelete, and if permitted, marks the
// handle deleted then decrements refcounts transitively. It returns
// (deletedBlock, true, nil) if it deleted a root, (zero, false, nil) if the
// list was empty or the callback refused.
func (s *Store) GCOldestRoot(mayDelete MayDeleteState, markDeleted HandleStateDeleter) (types.BlockID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sentinelRaw, _, err := s.db.Get(kv.BucketCellRoots, sentinelKey)
	if err != nil {
		return types.BlockID{}, false, err
	}
	sentinel, err := decodeRootEntry(sentinelRaw)
	if err != nil {
		return types.BlockID{}, false, err
	}
	if len(sentinel.nextKey) == 0 { // empty cyclic list (next == sentinel)
		return types.BlockID{}, false, nil
	}
	oldestKey := sentinel.nextKey
	oldestRaw, found, err := s.db.Get(kv.BucketCellRoots, oldestKey)
	if err != nil {
		return types.BlockID{}, false, err
	}
	if !found {
		return types.BlockID{}, false, archerr.Wrap(archerr.ErrCorruption, "cellstore: dangling root list head")
	}
	oldest, err := decodeRootEntry(oldestRaw)
	if err != nil {
		return types.BlockID{}, false, err
	}
	block, err := types.ParseBlockIDBytes(oldestKey)
	if err != nil {
		return types.BlockID{}, false, err
	}

	if !mayDelete(block) {
		return types.BlockID{}, false, nil
	}
	if err := markDeleted(block); err != nil {
		return types.BlockID{}, false, archerr.Wrap(err, "cellstore: mark state_deleted")
	}

	batch, err := s.db.BeginBatch()
	if err != nil {
		return types.BlockID{}, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = batch.Abort()
		}
	}()

	if err := s.dfsDecrement(batch, oldest.rootHash); err != nil {
		return types.BlockID{}, false, err
	}
	if err := s.unlink(batch, oldestKey, oldest); err != nil {
		return types.BlockID{}, false, err
	}
	if err := batch.Commit(); err != nil {
		return types.BlockID{}, false, archerr.Wrap(err, "cellstore: commit gc")
	}
	committed = true
	return block, true, nil
}

func (s *Store) dfsDecrement(batch *kv.Batch, hash types.Hash) error {
	raw, found, err := s.db.Get(kv.BucketCells, hash[:])
	if err != nil {
		return err
	}
	if !found {
		return archerr.Wrapf(archerr.ErrCorruption, "cellstore: gc missing cell %s", hash)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return err
	}
	if rec.Refcount == 0 {
		return archerr.Wrapf(archerr.ErrCorruption, "cellstore: refcount underflow at %s", hash)
	}
	rec.Refcount--
	if rec.Refcount == 0 {
		if err := batch.Erase(kv.BucketCells, hash[:]); err != nil {
			return err
		}
		for _, child := range rec.Cell.Refs {
			if err := s.dfsDecrement(batch, child); err != nil {
				return err
			}
		}
		return nil
	}
	return batch.Set(kv.BucketCells, hash[:], encodeRecord(rec))
}

// ---------------------------------------------------------------------
// Root linked-list bookkeeping
// ---------------------------------------------------------------------

type rootEntry struct {
	prevKey, nextKey []byte
	rootHash         types.Hash
}

func encodeRootEntry(e rootEntry) []byte {
	buf := make([]byte, 0, 4+len(e.prevKey)+4+len(e.nextKey)+32)
	putBytes := func(b []byte) {
		var l [4]byte
		types.PutUint32(l[:], uint32(len(b)))
		buf = append(buf, l[:]...)
		buf = append(buf, b...)
	}
	putBytes(e.prevKey)
	putBytes(e.nextKey)
	buf = append(buf, e.rootHash[:]...)
	return buf
}

func decodeRootEntry(b []byte) (rootEntry, error) {
	var e rootEntry
	off := 0
	readBytes := func() ([]byte, error) {
		if len(b)-off < 4 {
			return nil, archerr.Wrap(archerr.ErrCorruption, "cellstore: truncated root entry")
		}
		l := int(types.GetUint32(b[off : off+4]))
		off += 4
		if len(b)-off < l {
			return nil, archerr.Wrap(archerr.ErrCorruption, "cellstore: truncated root entry body")
		}
		v := b[off : off+l]
		off += l
		return v, nil
	}
	var err error
	if e.prevKey, err = readBytes(); err != nil {
		return e, err
	}
	if e.nextKey, err = readBytes(); err != nil {
		return e, err
	}
	if len(b)-off < 32 {
		return e, archerr.Wrap(archerr.ErrCorruption, "cellstore: truncated root hash")
	}
	copy(e.rootHash[:], b[off:off+32])
	return e, nil
}

// linkNewRoot appends key after the sentinel's prev (§4.2: "insert a new
// linked-list head (after the sentinel's prev)"): the new entry becomes the
// sentinel's immediate predecessor, so the sentinel's next always names the
// oldest root, which is where GCOldestRoot starts.
func (s *Store) linkNewRoot(batch *kv.Batch, key []byte, rootHash types.Hash) error {
	sentinelRaw, _, err := s.db.Get(kv.BucketCellRoots, sentinelKey)
	if err != nil {
		return err
	}
	sentinel, err := decodeRootEntry(sentinelRaw)
	if err != nil {
		return err
	}

	oldPrevKey := sentinel.prevKey
	if len(oldPrevKey) == 0 {
		oldPrevKey = sentinelKey
	}

	newEntry := rootEntry{prevKey: oldPrevKey, nextKey: sentinelKey, rootHash: rootHash}
	if err := batch.Set(kv.BucketCellRoots, key, encodeRootEntry(newEntry)); err != nil {
		return err
	}

	// Fix up the old tail (sentinel.prev) to point its next at the new entry.
	if len(sentinel.prevKey) == 0 {
		// list was empty: old tail is the sentinel itself.
		sentinel.nextKey = key
	} else {
		tailRaw, _, err := s.db.Get(kv.BucketCellRoots, sentinel.prevKey)
		if err != nil {
			return err
		}
		tail, err := decodeRootEntry(tailRaw)
		if err != nil {
			return err
		}
		tail.nextKey = key
		if err := batch.Set(kv.BucketCellRoots, sentinel.prevKey, encodeRootEntry(tail)); err != nil {
			return err
		}
	}
	sentinel.prevKey = key
	return batch.Set(kv.BucketCellRoots, sentinelKey, encodeRootEntry(sentinel))
}

// unlink splices oldest out of the cyclic list.
func (s *Store) unlink(batch *kv.Batch, key []byte, entry rootEntry) error {
	prevKey, nextKey := entry.prevKey, entry.nextKey
	if len(prevKey) == 0 {
		prevKey = sentinelKey
	}
	if len(nextKey) == 0 {
		nextKey = sentinelKey
	}

	prevRaw, _, err := s.db.Get(kv.BucketCellRoots, prevKey)
	if err != nil {
		return err
	}
	prev, err := decodeRootEntry(prevRaw)
	if err != nil {
		return err
	}
	prev.nextKey = entry.nextKey
	if string(prevKey) == string(nextKey) {
		// Only entry in the list: prev and next are the same record.
		prev.prevKey = entry.prevKey
		if err := batch.Set(kv.BucketCellRoots, prevKey, encodeRootEntry(prev)); err != nil {
			return err
		}
		return batch.Erase(kv.BucketCellRoots, key)
	}
	if err := batch.Set(kv.BucketCellRoots, prevKey, encodeRootEntry(prev)); err != nil {
		return err
	}

	nextRaw, _, err := s.db.Get(kv.BucketCellRoots, nextKey)
	if err != nil {
		return err
	}
	next, err := decodeRootEntry(nextRaw)
	if err != nil {
		return err
	}
	next.prevKey = entry.prevKey
	if err := batch.Set(kv.BucketCellRoots, nextKey, encodeRootEntry(next)); err != nil {
		return err
	}

	return batch.Erase(kv.BucketCellRoots, key)
}

// migrationWorker is the §4.2 background migration pass: it drains the
// queue of hashes whose depth vs. cutoff mismatches their stored-as-boc bit
// and updates that bit in each record, one hash at a time; the cell body is
// not re-encoded.
func (s *Store) migrationWorker(ctx context.Context) {
	batchSize := s.cfg.MigrationBatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-s.queue:
			s.migrateOne(h)
			_ = batchSize // reserved for future coalescing; each hash is migrated singly today
		}
	}
}

func (s *Store) migrateOne(hash types.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, found, err := s.db.Get(kv.BucketCells, hash[:])
	if err != nil || !found {
		return
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		s.log.WithError(err).Warn("migration: corrupt cell, skipping")
		return
	}
	depth := subtreeDepth(rec.Cell, 0, s.cfg.DepthCutoff+1)
	want := depth >= s.cfg.DepthCutoff
	if rec.StoredAsBoc == want {
		return
	}
	rec.StoredAsBoc = want
	if err := s.db.Set(kv.BucketCells, hash[:], encodeRecord(rec)); err != nil {
		s.log.WithError(err).Warn("migration: write failed")
	}
}
