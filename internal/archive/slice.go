// Package archive implements the archive slice and archive manager of
// §4.4/§4.5: the on-disk package files plus the per-slice and per-catalog
// indices that let a block handle or a stored file be located by id, by
// shard-ordered key, or by masterchain reference.
//
// Grounded on core/ledger.go's prune/archive path (gzip-rolling an
// overflow window of blocks into an append-only archive file, tracked by a
// bounded in-memory window) generalized to the spec's indexed, queryable
// multi-package slice, and on core/blockchain_synchronization.go's
// actor-with-a-lock-and-a-quit-channel shape for slice lifecycle.
package archive

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"chainarchive/internal/archerr"
	"chainarchive/internal/blockhandle"
	"chainarchive/internal/kv"
	"chainarchive/internal/pkgfile"
	"chainarchive/internal/types"
)

// Kind classifies an archive slice per §3 "Archive catalog".
type Kind int

const (
	KindPerm Kind = iota
	KindKey
	KindTemp
)

func (k Kind) String() string {
	switch k {
	case KindPerm:
		return "perm"
	case KindKey:
		return "key"
	case KindTemp:
		return "temp"
	default:
		return "unknown"
	}
}

// PackageID identifies a slice within the catalog: (anchor id, kind).
type PackageID struct {
	ID   uint32
	Kind Kind
}

func (p PackageID) String() string { return fmt.Sprintf("%s-%010d", p.Kind, p.ID) }

// State is the slice lifecycle state machine of §4.4.
type State int

const (
	StateOpen State = iota
	StateAsyncMode
	StateClosing
	StateDestroyed
)

// shardDescriptor is the per-shard summary kept in BucketShardDescriptor.
type shardDescriptor struct {
	FirstIdx  uint32
	LastIdx   uint32
	LastSeqno uint32
	LastLT    uint64
	LastTS    uint32
}

func encodeShardDescriptor(d shardDescriptor) []byte {
	b := make([]byte, 4+4+4+8+4)
	binary.LittleEndian.PutUint32(b[0:4], d.FirstIdx)
	binary.LittleEndian.PutUint32(b[4:8], d.LastIdx)
	binary.LittleEndian.PutUint32(b[8:12], d.LastSeqno)
	binary.LittleEndian.PutUint64(b[12:20], d.LastLT)
	binary.LittleEndian.PutUint32(b[20:24], d.LastTS)
	return b
}

func decodeShardDescriptor(b []byte) (shardDescriptor, error) {
	if len(b) != 24 {
		return shardDescriptor{}, archerr.Wrap(archerr.ErrCorruption, "archive: bad shard descriptor length")
	}
	return shardDescriptor{
		FirstIdx:  binary.LittleEndian.Uint32(b[0:4]),
		LastIdx:   binary.LittleEndian.Uint32(b[4:8]),
		LastSeqno: binary.LittleEndian.Uint32(b[8:12]),
		LastLT:    binary.LittleEndian.Uint64(b[12:20]),
		LastTS:    binary.LittleEndian.Uint32(b[20:24]),
	}, nil
}

// shardEntry is one per-(shard, idx) record: {block_id, lt, ts}.
type shardEntry struct {
	Block types.BlockID
	LT    uint64
	TS    uint32
}

func encodeShardEntry(e shardEntry) []byte {
	b := make([]byte, 0, 80+8+4)
	b = append(b, e.Block.Bytes()...)
	var lt [8]byte
	binary.LittleEndian.PutUint64(lt[:], e.LT)
	b = append(b, lt[:]...)
	var ts [4]byte
	binary.LittleEndian.PutUint32(ts[:], e.TS)
	b = append(b, ts[:]...)
	return b
}

func decodeShardEntry(b []byte) (shardEntry, error) {
	if len(b) != 80+8+4 {
		return shardEntry{}, archerr.Wrap(archerr.ErrCorruption, "archive: bad shard entry length")
	}
	id, err := types.ParseBlockIDBytes(b[0:80])
	if err != nil {
		return shardEntry{}, err
	}
	return shardEntry{
		Block: id,
		LT:    binary.LittleEndian.Uint64(b[80:88]),
		TS:    binary.LittleEndian.Uint32(b[88:92]),
	}, nil
}

func shardKey(shard uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, shard)
	return b
}

func entryKey(shard uint64, idx uint32) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b[0:8], shard)
	binary.BigEndian.PutUint32(b[8:12], idx)
	return b
}

// LookupMode selects exact-match vs nearest-successor semantics for
// get_block_by_* (§4.4).
type LookupMode int

const (
	LookupExact LookupMode = iota
	LookupNearest
)

// Slice is one archive slice: either a single package (temp, key) or an
// indexed array of sub-packages (permanent, when sliced).
type Slice struct {
	mu sync.Mutex

	id       PackageID
	dir      string
	db       *kv.Database
	packages []*pkgfile.File // index 0 used when not sub-sliced
	subSize  uint32          // 0 ⇒ not sliced

	state State
	log   *logrus.Entry

	asyncCount int
	asyncMax   int
}

// Open opens (creating if absent) the slice rooted at dir, with db as its
// KV directory. subSliceSize == 0 disables sub-slicing (temp/key slices;
// permanent slices use a positive sub-slice stride per §3).
func Open(dir string, id PackageID, subSliceSize uint32, asyncBatchMax int) (*Slice, error) {
	db, err := kv.Open(filepath.Join(dir, "kv"))
	if err != nil {
		return nil, archerr.Wrap(err, "archive: open slice kv")
	}
	s := &Slice{
		id:       id,
		dir:      dir,
		db:       db,
		subSize:  subSliceSize,
		state:    StateOpen,
		log:      logrus.WithField("slice", id.String()),
		asyncMax: asyncBatchMax,
	}
	if err := s.recoverPackages(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Slice) packagePath(idx int) string {
	switch s.id.Kind {
	case KindKey:
		return filepath.Join(s.dir, fmt.Sprintf("key.archive.%06d.pack", s.id.ID))
	case KindTemp:
		return filepath.Join(s.dir, fmt.Sprintf("temp.archive.%d.pack", s.id.ID))
	default:
		if s.subSize == 0 {
			return filepath.Join(s.dir, fmt.Sprintf("archive.%05d.pack", s.id.ID))
		}
		return filepath.Join(s.dir, fmt.Sprintf("archive.%05d.%03d.pack", s.id.ID, idx))
	}
}

// recoverPackages opens every package this slice is supposed to have and
// truncates each to its KV-recorded status length (§3 "Package", §8 S6).
func (s *Slice) recoverPackages() error {
	count := 1
	if s.subSize > 0 {
		raw, found, err := s.db.Get(kv.BucketSubSlice, []byte("count"))
		if err != nil {
			return err
		}
		if found {
			count = int(binary.LittleEndian.Uint32(raw))
		}
	}
	s.packages = make([]*pkgfile.File, count)
	for i := 0; i < count; i++ {
		f, err := pkgfile.Open(s.packagePath(i))
		if err != nil {
			return err
		}
		statusKey := subSliceStatusKey(i)
		raw, found, err := s.db.Get(kv.BucketPkgStatus, statusKey)
		if err != nil {
			return err
		}
		if found {
			wantLen := int64(binary.LittleEndian.Uint64(raw))
			if wantLen < f.Size() {
				if err := f.Truncate(wantLen); err != nil {
					return err
				}
			}
		} else {
			// First open: record the current (zero) length as status.
			if err := s.setPackageStatus(i, f.Size()); err != nil {
				return err
			}
		}
		s.packages[i] = f
	}
	return nil
}

func subSliceStatusKey(idx int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(idx))
	return b
}

func (s *Slice) setPackageStatus(idx int, length int64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(length))
	return s.db.Set(kv.BucketPkgStatus, subSliceStatusKey(idx), b)
}

// subIndexFor picks the sub-package index for a masterchain-ref seqno.
func (s *Slice) subIndexFor(mcRefSeqno uint32) int {
	if s.subSize == 0 {
		return 0
	}
	anchor := s.id.ID
	if mcRefSeqno < anchor {
		return 0
	}
	return int((mcRefSeqno - anchor) / s.subSize)
}

func (s *Slice) ensureSubPackage(idx int) (*pkgfile.File, error) {
	for len(s.packages) <= idx {
		i := len(s.packages)
		f, err := pkgfile.Open(s.packagePath(i))
		if err != nil {
			return nil, err
		}
		if err := s.setPackageStatus(i, 0); err != nil {
			return nil, err
		}
		s.packages = append(s.packages, f)
	}
	if s.subSize > 0 {
		cb := make([]byte, 4)
		binary.LittleEndian.PutUint32(cb, uint32(len(s.packages)))
		if err := s.db.Set(kv.BucketSubSlice, []byte("count"), cb); err != nil {
			return nil, err
		}
	}
	return s.packages[idx], nil
}

// AddHandle implements §4.4 add_handle: for every slice kind it updates the
// per-shard descriptor and appends a new ordered entry, then persists the
// handle bytes, all within one KV transaction.
func (s *Slice) AddHandle(h *blockhandle.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return archerr.Wrap(archerr.ErrNotReady, "archive: slice destroyed")
	}

	txn, err := s.db.BeginTxn()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	id := h.ID()
	shard := id.Shard
	descBytes, found, err := txn.Get(kv.BucketShardDescriptor, shardKey(shard))
	if err != nil {
		return err
	}
	var desc shardDescriptor
	firstUse := !found
	if !firstUse {
		desc, err = decodeShardDescriptor(descBytes)
		if err != nil {
			return err
		}
	}
	idx := desc.LastIdx
	if !firstUse {
		idx++
	}
	desc.LastIdx = idx
	if firstUse {
		desc.FirstIdx = 0
		desc.LastIdx = 0
		idx = 0
	}
	desc.LastSeqno = id.Seqno
	desc.LastLT = uint64(h.LogicalTime())
	desc.LastTS = uint32(h.UnixTime())

	if err := txn.Set(kv.BucketShardDescriptor, shardKey(shard), encodeShardDescriptor(desc)); err != nil {
		return err
	}
	entry := shardEntry{Block: id, LT: uint64(h.LogicalTime()), TS: uint32(h.UnixTime())}
	if err := txn.Set(kv.BucketShardEntries, entryKey(shard, idx), encodeShardEntry(entry)); err != nil {
		return err
	}
	if firstUse {
		if err := s.registerShard(txn, shard); err != nil {
			return err
		}
	}
	hb, err := handleBytes(h)
	if err != nil {
		return err
	}
	if err := txn.Set(kv.BucketHandles, id.Bytes(), hb); err != nil {
		return err
	}
	if err := txn.CommitTxn(); err != nil {
		return err
	}
	committed = true
	return nil
}

// handleBytes flushes h through a persister that only captures the encoded
// bytes, so the caller can commit them itself as part of a larger KV
// transaction.
func handleBytes(h *blockhandle.Handle) ([]byte, error) {
	var out []byte
	err := h.Flush(func(_ types.BlockID, data []byte) error {
		out = data
		return nil
	})
	return out, err
}

func (s *Slice) registerShard(txn *kv.Txn, shard uint64) error {
	raw, _, err := txn.Get(kv.BucketShardList, []byte("shards"))
	if err != nil {
		return err
	}
	shards := decodeShardList(raw)
	for _, sh := range shards {
		if sh == shard {
			return nil
		}
	}
	shards = append(shards, shard)
	return txn.Set(kv.BucketShardList, []byte("shards"), encodeShardList(shards))
}

func encodeShardList(shards []uint64) []byte {
	b := make([]byte, 4+8*len(shards))
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(shards)))
	for i, sh := range shards {
		binary.LittleEndian.PutUint64(b[4+8*i:12+8*i], sh)
	}
	return b
}

func decodeShardList(b []byte) []uint64 {
	if len(b) < 4 {
		return nil
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	out := make([]uint64, 0, n)
	for i := 0; i < int(n); i++ {
		off := 4 + 8*i
		if off+8 > len(b) {
			break
		}
		out = append(out, binary.LittleEndian.Uint64(b[off:off+8]))
	}
	return out
}

// UpdateHandle implements §4.4 update_handle: writes the serialized handle
// while need_flush; for permanent slices also sets handle_moved_to_archive.
func (s *Slice) UpdateHandle(h *blockhandle.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !h.NeedFlush() {
		return nil
	}
	hb, err := handleBytes(h)
	if err != nil {
		return err
	}
	txn, err := s.db.BeginTxn()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()
	if err := txn.Set(kv.BucketHandles, h.ID().Bytes(), hb); err != nil {
		return err
	}
	if s.id.Kind == KindPerm {
		if err := txn.Set(kv.BucketSingletons, movedKey(h.ID()), []byte{1}); err != nil {
			return err
		}
	}
	if err := txn.CommitTxn(); err != nil {
		return err
	}
	committed = true
	return nil
}

func movedKey(id types.BlockID) []byte {
	return append([]byte("moved:"), id.Bytes()...)
}

// AddFile implements §4.4 add_file: appends data to the sub-package owning
// the handle's masterchain-ref seqno, records the ref→offset mapping, and
// bumps that sub-slice's status. A ref already present is a no-op.
func (s *Slice) AddFile(h *blockhandle.Handle, ref types.FileRef, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return archerr.Wrap(archerr.ErrNotReady, "archive: slice destroyed")
	}

	mcSeqno := uint32(0)
	if h != nil {
		mcSeqno = h.MasterchainRefSeqno()
	}
	idx := s.subIndexFor(mcSeqno)
	pkg, err := s.ensureSubPackage(idx)
	if err != nil {
		return err
	}

	refKey := refIndexKey(ref)
	if _, found, err := s.db.Get(kv.BucketPkgIndex, refKey); err != nil {
		return err
	} else if found {
		return nil // already present: no-op
	}

	offset, err := pkg.Append(ref.PackageName(), data)
	if err != nil {
		return err
	}
	var offBuf [8]byte
	binary.LittleEndian.PutUint64(offBuf[:], uint64(offset))

	txn, err := s.db.BeginTxn()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()
	if err := txn.Set(kv.BucketPkgIndex, refKey, offBuf[:]); err != nil {
		return err
	}
	if err := txn.CommitTxn(); err != nil {
		return err
	}
	if err := s.setPackageStatus(idx, pkg.Size()); err != nil {
		return err
	}
	committed = true
	return nil
}

func refIndexKey(ref types.FileRef) []byte {
	id := ref.Block.Bytes()
	k := make([]byte, 0, len(id)+1)
	k = append(k, byte(ref.Kind))
	k = append(k, id...)
	return k
}

// GetHandle implements §4.4 get_handle: a KV-only lookup.
func (s *Slice) GetHandle(id types.BlockID) (*blockhandle.Handle, error) {
	raw, found, err := s.db.Get(kv.BucketHandles, id.Bytes())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, archerr.Wrap(archerr.ErrNotFound, "archive: handle not found")
	}
	return blockhandle.Decode(raw)
}

// GetFile implements §4.4 get_file: a KV lookup for the offset, then a
// package read.
func (s *Slice) GetFile(h *blockhandle.Handle, ref types.FileRef) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, found, err := s.db.Get(kv.BucketPkgIndex, refIndexKey(ref))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, archerr.Wrap(archerr.ErrNotFound, "archive: file not found")
	}
	offset := int64(binary.LittleEndian.Uint64(raw))
	mcSeqno := uint32(0)
	if h != nil {
		mcSeqno = h.MasterchainRefSeqno()
	}
	idx := s.subIndexFor(mcSeqno)
	if idx >= len(s.packages) {
		return nil, archerr.Wrap(archerr.ErrCorruption, "archive: sub-package index out of range")
	}
	_, data, err := s.packages[idx].Read(offset)
	return data, err
}

// GetBlockBy implements §4.4 get_block_by_{lt,seqno,unix_time}: for every
// shard of the slice whose prefix contains, or is contained in, the
// requested prefix and whose descriptor's last_* is >= key, it loads the
// entries [first_idx, last_idx] (last_idx inclusive), sorts them by the
// chosen field and binary-searches for the first entry >= key; the smallest
// such entry across all matching shards is returned.
func (s *Slice) GetBlockBy(shardPrefix uint64, key uint64, field KeyField, mode LookupMode) (types.BlockID, error) {
	raw, _, err := s.db.Get(kv.BucketShardList, []byte("shards"))
	if err != nil {
		return types.BlockID{}, err
	}
	shards := decodeShardList(raw)

	var best *shardEntry
	for _, sh := range shards {
		if !types.ShardContains(shardPrefix, sh) && !types.ShardContains(sh, shardPrefix) {
			continue
		}
		entry, ok, err := s.searchShard(sh, key, field, mode)
		if err != nil {
			return types.BlockID{}, err
		}
		if !ok {
			continue
		}
		if best == nil || fieldValue(entry, field) < fieldValue(*best, field) {
			e := entry
			best = &e
		}
	}
	if best == nil {
		return types.BlockID{}, archerr.Wrap(archerr.ErrNotFound, "archive: no block matches lookup key")
	}
	return best.Block, nil
}

// KeyField selects which field of a shard entry the lookup is keyed by.
type KeyField int

const (
	FieldSeqno KeyField = iota
	FieldLT
	FieldUnixTime
)

func fieldValue(e shardEntry, f KeyField) uint64 {
	switch f {
	case FieldLT:
		return e.LT
	case FieldUnixTime:
		return uint64(e.TS)
	default:
		return uint64(e.Block.Seqno)
	}
}

func (s *Slice) searchShard(shard uint64, key uint64, field KeyField, mode LookupMode) (shardEntry, bool, error) {
	descBytes, found, err := s.db.Get(kv.BucketShardDescriptor, shardKey(shard))
	if err != nil || !found {
		return shardEntry{}, false, err
	}
	desc, err := decodeShardDescriptor(descBytes)
	if err != nil {
		return shardEntry{}, false, err
	}

	lastVal := uint64(desc.LastSeqno)
	if field == FieldLT {
		lastVal = desc.LastLT
	} else if field == FieldUnixTime {
		lastVal = uint64(desc.LastTS)
	}
	if lastVal < key {
		return shardEntry{}, false, nil // this shard's range doesn't cover key
	}

	lo, hi := int(desc.FirstIdx), int(desc.LastIdx)
	entries := make([]shardEntry, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		raw, found, err := s.db.Get(kv.BucketShardEntries, entryKey(shard, uint32(i)))
		if err != nil {
			return shardEntry{}, false, err
		}
		if !found {
			continue
		}
		e, err := decodeShardEntry(raw)
		if err != nil {
			return shardEntry{}, false, err
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return fieldValue(entries[i], field) < fieldValue(entries[j], field)
	})
	pos := sort.Search(len(entries), func(i int) bool {
		return fieldValue(entries[i], field) >= key
	})
	if pos >= len(entries) {
		return shardEntry{}, false, nil
	}
	if mode == LookupExact && fieldValue(entries[pos], field) != key {
		return shardEntry{}, false, nil
	}
	return entries[pos], true, nil
}

// Truncate implements §4.4 truncate over the slice's KV index: it erases
// the shard entries whose owning mc-ref exceeds mcSeqno and pulls each
// shard descriptor's last_idx back to the last retained entry. Package
// files are not rewritten or shortened; of the sub-slice array only the
// recorded count is reduced, the open sub-packages stay in memory.
func (s *Slice) Truncate(mcSeqno uint32, anchor *blockhandle.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, err := s.db.BeginTxn()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	raw, _, err := txn.Get(kv.BucketShardList, []byte("shards"))
	if err != nil {
		return err
	}
	shards := decodeShardList(raw)
	for _, sh := range shards {
		descBytes, descFound, err := txn.Get(kv.BucketShardDescriptor, shardKey(sh))
		if err != nil || !descFound {
			continue
		}
		desc, err := decodeShardDescriptor(descBytes)
		if err != nil {
			return err
		}
		newLast := desc.FirstIdx
		found := false
		for i := desc.FirstIdx; i <= desc.LastIdx; i++ {
			eRaw, eFound, err := txn.Get(kv.BucketShardEntries, entryKey(sh, i))
			if err != nil {
				return err
			}
			if !eFound {
				continue
			}
			e, err := decodeShardEntry(eRaw)
			if err != nil {
				return err
			}
			// The owning mc-ref comes from the stored handle; without a
			// decodable handle the block's own seqno stands in for it.
			refSeqno := e.Block.Seqno
			if hRaw, hFound, err := txn.Get(kv.BucketHandles, e.Block.Bytes()); err == nil && hFound {
				if bh, err := blockhandle.Decode(hRaw); err == nil {
					refSeqno = bh.MasterchainRefSeqno()
				}
			}
			if refSeqno > mcSeqno {
				if err := txn.Erase(kv.BucketShardEntries, entryKey(sh, i)); err != nil {
					return err
				}
				continue
			}
			newLast = i
			found = true
		}
		if found {
			desc.LastIdx = newLast
		}
		if err := txn.Set(kv.BucketShardDescriptor, shardKey(sh), encodeShardDescriptor(desc)); err != nil {
			return err
		}
	}
	if s.subSize > 0 {
		keep := s.subIndexFor(mcSeqno) + 1
		if keep < len(s.packages) {
			cb := make([]byte, 4)
			binary.LittleEndian.PutUint32(cb, uint32(keep))
			if err := txn.Set(kv.BucketSubSlice, []byte("count"), cb); err != nil {
				return err
			}
		}
	}
	if err := txn.CommitTxn(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Destroy implements §4.4 destroy: closes and unlinks every package file,
// then removes the KV file through kv.Database.Destroy, whose back-off
// retry loop covers another reader still holding a snapshot open.
func (s *Slice) Destroy() error {
	s.mu.Lock()
	s.state = StateClosing
	for _, p := range s.packages {
		p.Close()
		_ = os.Remove(p.Path())
	}
	s.mu.Unlock()

	if err := s.db.Destroy(); err != nil {
		s.log.Warnf("archive: slice kv destroy failed after retries: %v", err)
		return err
	}
	s.mu.Lock()
	s.state = StateDestroyed
	s.mu.Unlock()
	return nil
}

// State reports the slice's current lifecycle state.
func (s *Slice) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the slice's package identity.
func (s *Slice) ID() PackageID { return s.id }

// BeginAsyncMode moves an open slice into StateAsyncMode (§4.4). Only the
// state changes: AddHandle, UpdateHandle and AddFile still commit one KV
// transaction per call, and asyncMax is not consulted.
func (s *Slice) BeginAsyncMode() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOpen {
		s.state = StateAsyncMode
	}
}

// FlushAsync returns the slice from StateAsyncMode to StateOpen.
func (s *Slice) FlushAsync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAsyncMode {
		s.state = StateOpen
		s.asyncCount = 0
	}
}
