// Package kv is the thin abstraction of §4.1 over a persistent ordered
// key/value store: point get, multi-get, prefix scan, range scan, write
// batches, read-write transactions, and consistent snapshots.
//
// The KVStore/Iterator shape below is the one core/cross_chain.go already
// declares for the ledger's generic store; Database implements it against
// go.etcd.io/bbolt (wired in from cuemby-warren's dependency set) instead of
// the teacher's in-memory map, because every store in this engine needs real
// crash-consistent persistence and bbolt's MVCC transactions give the
// snapshot/batch/txn primitives the spec asks for almost for free.
package kv

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"chainarchive/internal/archerr"
)

// Iterator walks an ordered key range. It mirrors core/cross_chain.go's
// Iterator contract: Next before the first Key/Value call, Close always.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// KVStore is the point-access surface common to Database, Batch and Txn.
type KVStore interface {
	Get(key []byte) ([]byte, bool, error)
	GetMulti(keys [][]byte) ([][]byte, []bool, error)
	Set(key, value []byte) error
	Erase(key []byte) error
	Scan(prefix []byte) (Iterator, error)
	Range(lo, hi []byte) (Iterator, error)
}

// Database is one opened KV store, rooted at a single bbolt file with one
// bucket per logical table (see tables.go).
type Database struct {
	path string
	db   *bolt.DB

	mu        sync.Mutex
	snapshots map[*Snapshot]time.Time // live snapshots, for age monitoring
}

// Open creates or opens the KV store at path, ensuring every bucket in
// AllBuckets exists.
func Open(path string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, archerr.Wrap(err, "kv: mkdir")
	}
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, archerr.Wrapf(archerr.ErrIO, "kv: open %s: %v", path, err)
	}
	d := &Database{path: path, db: bdb, snapshots: make(map[*Snapshot]time.Time)}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range AllBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		bdb.Close()
		return nil, archerr.Wrap(err, "kv: create buckets")
	}
	return d, nil
}

// Path is the on-disk location of the store, used by Destroy and by
// directory-removal GC paths.
func (d *Database) Path() string { return d.path }

// Close releases the underlying file. It is the caller's responsibility to
// ensure no outstanding snapshots, batches or txns reference d first.
func (d *Database) Close() error {
	return d.db.Close()
}

// Destroy closes the store and removes its bbolt file (§4.1
// "destroy(path)"). It retries the removal up to five times with a growing
// back-off on transient IO errors from concurrently held file descriptors;
// archive slice destroy (§4.4) relies on this loop for its retries.
func (d *Database) Destroy() error {
	if err := d.db.Close(); err != nil && !errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return archerr.Wrap(err, "kv: close before destroy")
	}
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if err := os.Remove(d.path); err == nil || os.IsNotExist(err) {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return archerr.Wrapf(archerr.ErrIO, "kv: destroy %s: %v", d.path, lastErr)
}

// ---------------------------------------------------------------------
// Point access on the default (implicit single-op) bucket surface.
// ---------------------------------------------------------------------

func bucketOf(tx *bolt.Tx, table string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(table))
	if b == nil {
		return nil, archerr.Wrapf(archerr.ErrCorruption, "kv: missing bucket %s", table)
	}
	return b, nil
}

// Get performs a point lookup in table.
func (d *Database) Get(table string, key []byte) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := d.db.View(func(tx *bolt.Tx) error {
		b, err := bucketOf(tx, table)
		if err != nil {
			return err
		}
		if v := b.Get(key); v != nil {
			out = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return out, found, err
}

// GetMulti performs a batch of point lookups inside one read transaction.
func (d *Database) GetMulti(table string, keys [][]byte) ([][]byte, []bool, error) {
	out := make([][]byte, len(keys))
	found := make([]bool, len(keys))
	err := d.db.View(func(tx *bolt.Tx) error {
		b, err := bucketOf(tx, table)
		if err != nil {
			return err
		}
		for i, k := range keys {
			if v := b.Get(k); v != nil {
				out[i] = append([]byte(nil), v...)
				found[i] = true
			}
		}
		return nil
	})
	return out, found, err
}

// Set writes a single key as its own implicit transaction.
func (d *Database) Set(table string, key, value []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketOf(tx, table)
		if err != nil {
			return err
		}
		return b.Put(key, value)
	})
}

// Erase removes a single key as its own implicit transaction.
func (d *Database) Erase(table string, key []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketOf(tx, table)
		if err != nil {
			return err
		}
		return b.Delete(key)
	})
}

// Scan returns an iterator over every key in table with the given prefix,
// read against a fresh point-in-time snapshot.
func (d *Database) Scan(table string, prefix []byte) (Iterator, error) {
	snap := d.Snapshot()
	it, err := snap.Scan(table, prefix)
	if err != nil {
		snap.Release()
		return nil, err
	}
	return &releasingIterator{Iterator: it, snap: snap}, nil
}

// Range returns an iterator over [lo, hi) in table.
func (d *Database) Range(table string, lo, hi []byte) (Iterator, error) {
	snap := d.Snapshot()
	it, err := snap.Range(table, lo, hi)
	if err != nil {
		snap.Release()
		return nil, err
	}
	return &releasingIterator{Iterator: it, snap: snap}, nil
}

// releasingIterator releases its backing snapshot exactly once, on Close.
type releasingIterator struct {
	Iterator
	snap     *Snapshot
	released bool
}

func (r *releasingIterator) Close() error {
	err := r.Iterator.Close()
	if !r.released {
		r.snap.Release()
		r.released = true
	}
	return err
}

// ---------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------

// Snapshot is an immutable, consistent read-only view, backed by a bbolt
// read-only transaction. It must be released explicitly (§4.1 contract).
type Snapshot struct {
	db       *Database
	tx       *bolt.Tx
	released bool
	mu       sync.Mutex
}

// Snapshot opens a new consistent read view of the store.
func (d *Database) Snapshot() *Snapshot {
	tx, err := d.db.Begin(false)
	if err != nil {
		// bbolt.Begin(false) only fails if the db is closed; surface that
		// as a degenerate already-released snapshot so callers see a clear
		// error on first use rather than a nil pointer panic.
		return &Snapshot{db: d, tx: nil, released: true}
	}
	s := &Snapshot{db: d, tx: tx}
	d.mu.Lock()
	d.snapshots[s] = time.Now()
	d.mu.Unlock()
	return s
}

// Release ends the read view. It is safe to call more than once.
func (s *Snapshot) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	s.db.mu.Lock()
	delete(s.db.snapshots, s)
	s.db.mu.Unlock()
	if s.tx == nil {
		return nil
	}
	return s.tx.Rollback()
}

func (s *Snapshot) Get(table string, key []byte) ([]byte, bool, error) {
	if s.tx == nil {
		return nil, false, archerr.ErrUnavailable
	}
	b, err := bucketOf(s.tx, table)
	if err != nil {
		return nil, false, err
	}
	if v := b.Get(key); v != nil {
		return append([]byte(nil), v...), true, nil
	}
	return nil, false, nil
}

func (s *Snapshot) Scan(table string, prefix []byte) (Iterator, error) {
	if s.tx == nil {
		return nil, archerr.ErrUnavailable
	}
	b, err := bucketOf(s.tx, table)
	if err != nil {
		return nil, err
	}
	return newPrefixIterator(b, prefix), nil
}

func (s *Snapshot) Range(table string, lo, hi []byte) (Iterator, error) {
	if s.tx == nil {
		return nil, archerr.ErrUnavailable
	}
	b, err := bucketOf(s.tx, table)
	if err != nil {
		return nil, err
	}
	return newRangeIterator(b, lo, hi), nil
}

// OldestSnapshotAge returns how long the oldest still-live snapshot has
// been open, for the monitoring hook described in §5 "Shared resources".
func (d *Database) OldestSnapshotAge() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	var oldest time.Time
	for _, t := range d.snapshots {
		if oldest.IsZero() || t.Before(oldest) {
			oldest = t
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

// ---------------------------------------------------------------------
// Iterators
// ---------------------------------------------------------------------

type cursorIterator struct {
	c       *bolt.Cursor
	lo, hi  []byte
	prefix  []byte
	started bool
	k, v    []byte
	err     error
}

func newPrefixIterator(b *bolt.Bucket, prefix []byte) Iterator {
	return &cursorIterator{c: b.Cursor(), prefix: append([]byte(nil), prefix...)}
}

func newRangeIterator(b *bolt.Bucket, lo, hi []byte) Iterator {
	return &cursorIterator{c: b.Cursor(), lo: append([]byte(nil), lo...), hi: append([]byte(nil), hi...)}
}

func (it *cursorIterator) Next() bool {
	var k, v []byte
	if !it.started {
		it.started = true
		if it.prefix != nil {
			k, v = it.c.Seek(it.prefix)
		} else {
			k, v = it.c.Seek(it.lo)
		}
	} else {
		k, v = it.c.Next()
	}
	if k == nil {
		it.k, it.v = nil, nil
		return false
	}
	if it.prefix != nil && !bytes.HasPrefix(k, it.prefix) {
		it.k, it.v = nil, nil
		return false
	}
	if it.hi != nil && bytes.Compare(k, it.hi) >= 0 {
		it.k, it.v = nil, nil
		return false
	}
	it.k = append([]byte(nil), k...)
	it.v = append([]byte(nil), v...)
	return true
}

func (it *cursorIterator) Key() []byte   { return it.k }
func (it *cursorIterator) Value() []byte { return it.v }
func (it *cursorIterator) Error() error  { return it.err }
func (it *cursorIterator) Close() error  { return nil }

// ---------------------------------------------------------------------
// Batches (write-only) and transactions (read-write)
// ---------------------------------------------------------------------

// Batch is a write-only collection of mutations committed atomically.
// It has no read methods (Txn adds Get, which observes the transaction's
// own prior writes); nothing it writes becomes visible outside it until
// Commit (§4.1 contract).
type Batch struct {
	tx   *bolt.Tx
	done bool
}

// BeginBatch starts a new write batch.
func (d *Database) BeginBatch() (*Batch, error) {
	tx, err := d.db.Begin(true)
	if err != nil {
		return nil, archerr.Wrap(err, "kv: begin batch")
	}
	return &Batch{tx: tx}, nil
}

func (b *Batch) Set(table string, key, value []byte) error {
	if b.done {
		return archerr.Wrap(archerr.ErrProtocolViolation, "kv: batch already finished")
	}
	bk, err := bucketOf(b.tx, table)
	if err != nil {
		return err
	}
	return bk.Put(key, value)
}

func (b *Batch) Erase(table string, key []byte) error {
	if b.done {
		return archerr.Wrap(archerr.ErrProtocolViolation, "kv: batch already finished")
	}
	bk, err := bucketOf(b.tx, table)
	if err != nil {
		return err
	}
	return bk.Delete(key)
}

// Commit durably applies every mutation in the batch.
func (b *Batch) Commit() error {
	if b.done {
		return nil
	}
	b.done = true
	if err := b.tx.Commit(); err != nil {
		return archerr.Wrap(err, "kv: commit batch")
	}
	return nil
}

// Abort discards the batch; on process restart an uncommitted batch
// disappears atomically regardless (§4.1).
func (b *Batch) Abort() error {
	if b.done {
		return nil
	}
	b.done = true
	return b.tx.Rollback()
}

// Txn is a read-write transaction. Because bbolt serializes writers behind
// a single exclusive lock, every Txn already runs against a consistent,
// conflict-free view: the "optimistic concurrency" of §4.1 degenerates to
// always-succeeds, since two writers can never interleave in the first
// place. See DESIGN.md for why this is the intended reading, not a gap.
type Txn struct {
	*Batch
}

// BeginTxn starts a new read-write transaction.
func (d *Database) BeginTxn() (*Txn, error) {
	b, err := d.BeginBatch()
	if err != nil {
		return nil, err
	}
	return &Txn{Batch: b}, nil
}

func (t *Txn) Get(table string, key []byte) ([]byte, bool, error) {
	if t.done {
		return nil, false, archerr.Wrap(archerr.ErrProtocolViolation, "kv: txn already finished")
	}
	b, err := bucketOf(t.tx, table)
	if err != nil {
		return nil, false, err
	}
	if v := b.Get(key); v != nil {
		return append([]byte(nil), v...), true, nil
	}
	return nil, false, nil
}

// CommitTxn is an alias kept for readability at call sites that mix Txn and
// Batch in the same function.
func (t *Txn) CommitTxn() error { return t.Commit() }

// AbortTxn is Abort's Txn-named alias.
func (t *Txn) AbortTxn() error { return t.Abort() }

var _ KVStore = (*snapshotAdapter)(nil)

// snapshotAdapter lets a *Snapshot satisfy KVStore for read-only callers
// that don't need to distinguish it from a Database.
type snapshotAdapter struct{ s *Snapshot; table string }

func (a *snapshotAdapter) Get(key []byte) ([]byte, bool, error) { return a.s.Get(a.table, key) }
func (a *snapshotAdapter) GetMulti(keys [][]byte) ([][]byte, []bool, error) {
	out := make([][]byte, len(keys))
	found := make([]bool, len(keys))
	for i, k := range keys {
		v, ok, err := a.s.Get(a.table, k)
		if err != nil {
			return nil, nil, err
		}
		out[i], found[i] = v, ok
	}
	return out, found, nil
}
func (a *snapshotAdapter) Set(key, value []byte) error { return fmt.Errorf("kv: snapshot is read-only") }
func (a *snapshotAdapter) Erase(key []byte) error       { return fmt.Errorf("kv: snapshot is read-only") }
func (a *snapshotAdapter) Scan(prefix []byte) (Iterator, error) { return a.s.Scan(a.table, prefix) }
func (a *snapshotAdapter) Range(lo, hi []byte) (Iterator, error) { return a.s.Range(a.table, lo, hi) }

// AsKVStore views a fixed table of a snapshot through the generic KVStore
// interface declared at the top of this file.
func (s *Snapshot) AsKVStore(table string) KVStore { return &snapshotAdapter{s: s, table: table} }
