package archive

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"chainarchive/internal/archerr"
	"chainarchive/internal/blockhandle"
	"chainarchive/internal/kv"
	"chainarchive/internal/types"
)

// Config tunes the catalog's stride and retention parameters (§3 "Archive
// catalog", §4.5, pkg/config.Config.Archive).
type Config struct {
	Root            string
	ArchiveSize     uint32 // permanent slice stride, in masterchain seqnos
	KeyArchiveSize  uint32 // key-block slice stride
	SubSliceSize    uint32 // 0 disables sub-slicing
	TempBucketSecs  int64  // temp slice bucket width, in unix seconds
	TempTTLSecs     int64
	ArchiveTTLSecs  int64
	AsyncBatchCount int
}

// Manager is the global catalog of archive slices (§4.5): it routes every
// write/read to the right slice, maintains the per-shard secondary index,
// and enforces retention. Grounded on
// core/blockchain_synchronization.go's SyncManager shape (a long-lived
// component with a background sweep loop guarded by a mutex and a quit
// channel) generalized from one sync loop to the catalog's GC sweep.
type Manager struct {
	mu  sync.RWMutex
	cfg Config
	log *logrus.Entry

	catalogDB *kv.Database // the db.files.index catalog (§6)
	slices    map[PackageID]*Slice

	// secondary index: shard prefix -> package ids that hold entries for
	// it, in the order each slice was first indexed (§4.5 "derived
	// secondary index"); lookups walk it from the end.
	shardIndex map[uint64][]PackageID

	catalogVersion uint64 // SPEC_FULL §C.3 catalog generation counter
}

// Open creates or loads the catalog rooted at cfg.Root and reopens every
// slice named in its persisted listing (§4.5 "On startup scans each
// declared slice").
func Open(cfg Config) (*Manager, error) {
	if cfg.AsyncBatchCount <= 0 {
		cfg.AsyncBatchCount = 100
	}
	catDB, err := kv.Open(filepath.Join(cfg.Root, "files", "globalindex"))
	if err != nil {
		return nil, archerr.Wrap(err, "archive: open catalog")
	}
	m := &Manager{
		cfg:        cfg,
		log:        logrus.WithField("component", "archivemgr"),
		catalogDB:  catDB,
		slices:     make(map[PackageID]*Slice),
		shardIndex: make(map[uint64][]PackageID),
	}
	if err := m.loadCatalogVersion(); err != nil {
		return nil, err
	}
	if err := m.reopenDeclaredSlices(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadCatalogVersion() error {
	raw, found, err := m.catalogDB.Get(kv.BucketCatalog, []byte("generation"))
	if err != nil {
		return err
	}
	if found {
		m.catalogVersion = types.GetUint64(raw)
	}
	return nil
}

func (m *Manager) bumpCatalogVersion() error {
	m.catalogVersion++
	var b [8]byte
	types.PutUint64(b[:], m.catalogVersion)
	return m.catalogDB.Set(kv.BucketCatalog, []byte("generation"), b[:])
}

// reopenDeclaredSlices reads the persisted listing key and opens each
// slice it names. A fresh catalog has no listing yet, which is not an
// error — the engine simply starts empty.
func (m *Manager) reopenDeclaredSlices() error {
	raw, found, err := m.catalogDB.Get(kv.BucketCatalog, []byte("db.files.index.key"))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	ids, err := decodeCatalogListing(raw)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := m.openSlice(id); err != nil {
			m.log.WithError(err).Warnf("archive: failed to reopen slice %s, marking isolated", id)
			continue
		}
	}
	return nil
}

func (m *Manager) persistListing() error {
	ids := make([]PackageID, 0, len(m.slices))
	for id := range m.slices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Kind != ids[j].Kind {
			return ids[i].Kind < ids[j].Kind
		}
		return ids[i].ID < ids[j].ID
	})
	if err := m.catalogDB.Set(kv.BucketCatalog, []byte("db.files.index.key"), encodeCatalogListing(ids)); err != nil {
		return err
	}
	return m.bumpCatalogVersion()
}

func encodeCatalogListing(ids []PackageID) []byte {
	b := make([]byte, 0, 4+len(ids)*5)
	var n [4]byte
	types.PutUint32(n[:], uint32(len(ids)))
	b = append(b, n[:]...)
	for _, id := range ids {
		var idb [4]byte
		types.PutUint32(idb[:], id.ID)
		b = append(b, idb[:]...)
		b = append(b, byte(id.Kind))
	}
	return b
}

func decodeCatalogListing(b []byte) ([]PackageID, error) {
	if len(b) < 4 {
		return nil, archerr.Wrap(archerr.ErrCorruption, "archive: truncated catalog listing")
	}
	n := int(types.GetUint32(b[0:4]))
	off := 4
	out := make([]PackageID, 0, n)
	for i := 0; i < n; i++ {
		if len(b)-off < 5 {
			return nil, archerr.Wrap(archerr.ErrCorruption, "archive: truncated catalog entry")
		}
		id := types.GetUint32(b[off : off+4])
		kind := Kind(b[off+4])
		off += 5
		out = append(out, PackageID{ID: id, Kind: kind})
	}
	return out, nil
}

func (m *Manager) slicePath(id PackageID) string {
	switch id.Kind {
	case KindKey:
		return filepath.Join(m.cfg.Root, "archive", "packages", pkgDirName("key", id.ID))
	case KindTemp:
		return filepath.Join(m.cfg.Root, "files", "packages")
	default:
		return filepath.Join(m.cfg.Root, "archive", "packages", pkgDirName("arch", id.ID))
	}
}

func pkgDirName(prefix string, id uint32) string {
	if prefix == "key" {
		return "key" + zeroPad(id, 3)
	}
	return "arch" + zeroPad(id, 4)
}

func zeroPad(v uint32, width int) string {
	s := make([]byte, 0, width)
	digits := []byte{}
	for v > 0 || len(digits) == 0 {
		digits = append(digits, byte('0'+v%10))
		v /= 10
	}
	for i := len(digits) - 1; i >= 0; i-- {
		s = append(s, digits[i])
	}
	for len(s) < width {
		s = append([]byte{'0'}, s...)
	}
	return string(s)
}

func (m *Manager) openSlice(id PackageID) (*Slice, error) {
	subSize := uint32(0)
	if id.Kind == KindPerm {
		subSize = m.cfg.SubSliceSize
	}
	s, err := Open(m.slicePath(id), id, subSize, m.cfg.AsyncBatchCount)
	if err != nil {
		return nil, err
	}
	m.slices[id] = s
	m.indexSliceShards(s)
	return s, nil
}

// indexSliceShards records s in the secondary shard index for every shard
// it already hosts entries for, so get_block_by_* and get_handle for
// non-masterchain ids can find it without scanning every slice.
func (m *Manager) indexSliceShards(s *Slice) {
	raw, _, err := s.db.Get(kv.BucketShardList, []byte("shards"))
	if err != nil {
		return
	}
	for _, sh := range decodeShardList(raw) {
		m.shardIndex[sh] = appendNewest(m.shardIndex[sh], s.id)
	}
}

func appendNewest(ids []PackageID, id PackageID) []PackageID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// packageIDFor computes the PackageID a handle's data should land in,
// per §4.5 routing: compute from the handle's masterchain-ref seqno.
func (m *Manager) packageIDFor(h *blockhandle.Handle, isKeyBlock bool) PackageID {
	ref := h.MasterchainRefSeqno()
	if isKeyBlock {
		anchor := (ref / m.cfg.KeyArchiveSize) * m.cfg.KeyArchiveSize
		return PackageID{ID: anchor, Kind: KindKey}
	}
	anchor := (ref / m.cfg.ArchiveSize) * m.cfg.ArchiveSize
	return PackageID{ID: anchor, Kind: KindPerm}
}

// tempPackageIDFor buckets a handle into an hourly temp slice by the
// handle's own unix generation time (§3 "Archive catalog": "temp slices:
// bucketed per hour of unix-time").
func (m *Manager) tempPackageIDFor(h *blockhandle.Handle) PackageID {
	bucket := int64(h.UnixTime())
	width := m.cfg.TempBucketSecs
	if width <= 0 {
		width = 3600
	}
	anchor := uint32((bucket / width) * width)
	return PackageID{ID: anchor, Kind: KindTemp}
}

func (m *Manager) getOrOpenSlice(id PackageID) (*Slice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slices[id]; ok {
		return s, nil
	}
	s, err := m.openSlice(id)
	if err != nil {
		return nil, err
	}
	if err := m.persistListing(); err != nil {
		return nil, err
	}
	return s, nil
}

// AddHandle implements §4.5 add_handle routing: masterchain handles go to
// the permanent slice for their masterchain-ref seqno, other handles to the
// temp bucket for their unix time, and key blocks are mirrored into the
// key-block slice.
func (m *Manager) AddHandle(h *blockhandle.Handle) error {
	target, err := m.routeTarget(h)
	if err != nil {
		return err
	}
	if err := target.AddHandle(h); err != nil {
		return err
	}
	m.mu.Lock()
	m.indexSliceShards(target)
	m.mu.Unlock()

	if h.KeyBlock() {
		keyID := m.packageIDFor(h, true)
		keySlice, err := m.getOrOpenSlice(keyID)
		if err != nil {
			return err
		}
		if err := keySlice.AddHandle(h); err != nil {
			return err
		}
	}
	return nil
}

// routeTarget picks the slice a handle is written to: the permanent slice
// anchored at its masterchain-ref seqno for masterchain handles, otherwise
// the temp bucket for its unix time.
func (m *Manager) routeTarget(h *blockhandle.Handle) (*Slice, error) {
	var id PackageID
	if h.ID().IsMasterchain() {
		id = m.packageIDFor(h, false)
	} else {
		id = m.tempPackageIDFor(h)
	}
	return m.getOrOpenSlice(id)
}

// UpdateHandle persists a handle mutation to whichever slice currently
// hosts it.
func (m *Manager) UpdateHandle(h *blockhandle.Handle) error {
	s, err := m.GetHandleSlice(h.ID())
	if err != nil {
		return err
	}
	return s.UpdateHandle(h)
}

// AddFile implements §4.5 add_file routing, additionally mirroring
// proof/proof-link blobs of key blocks into the key slice (§4.5 "for
// key-blocks, also mirror proof/proof-link into a key slice").
func (m *Manager) AddFile(h *blockhandle.Handle, ref types.FileRef, data []byte) error {
	s, err := m.routeTarget(h)
	if err != nil {
		return err
	}
	if err := s.AddFile(h, ref, data); err != nil {
		return err
	}
	if h.KeyBlock() && (ref.Kind == types.RefProof || ref.Kind == types.RefProofLink) {
		keyID := m.packageIDFor(h, true)
		keySlice, err := m.getOrOpenSlice(keyID)
		if err != nil {
			return err
		}
		if err := keySlice.AddFile(h, ref, data); err != nil {
			return err
		}
	}
	return nil
}

// GetHandleSlice locates whichever slice currently stores id's handle
// bytes (§4.5 get_handle): for masterchain ids, the permanent catalog by
// seqno, falling back to a newest-first walk of temp slices; for
// non-masterchain ids, the secondary shard index.
func (m *Manager) GetHandleSlice(id types.BlockID) (*Slice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id.IsMasterchain() {
		anchor := (id.Seqno / m.cfg.ArchiveSize) * m.cfg.ArchiveSize
		if s, ok := m.slices[PackageID{ID: anchor, Kind: KindPerm}]; ok {
			if _, err := s.GetHandle(id); err == nil {
				return s, nil
			}
		}
		for _, s := range m.newestTempSlicesLocked() {
			if _, err := s.GetHandle(id); err == nil {
				return s, nil
			}
		}
		return nil, archerr.Wrap(archerr.ErrNotFound, "archive: handle not found in any perm/temp slice")
	}

	for _, pid := range reverseIDs(m.shardIndex[id.Shard]) {
		if s, ok := m.slices[pid]; ok {
			if _, err := s.GetHandle(id); err == nil {
				return s, nil
			}
		}
	}
	return nil, archerr.Wrap(archerr.ErrNotFound, "archive: handle not found via shard index")
}

func reverseIDs(ids []PackageID) []PackageID {
	out := make([]PackageID, len(ids))
	for i, v := range ids {
		out[len(ids)-1-i] = v
	}
	return out
}

func (m *Manager) newestTempSlicesLocked() []*Slice {
	var ids []PackageID
	for id := range m.slices {
		if id.Kind == KindTemp {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].ID > ids[j].ID })
	out := make([]*Slice, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.slices[id])
	}
	return out
}

// GetHandle resolves id end-to-end.
func (m *Manager) GetHandle(id types.BlockID) (*blockhandle.Handle, error) {
	s, err := m.GetHandleSlice(id)
	if err != nil {
		return nil, err
	}
	return s.GetHandle(id)
}

// GetFile implements §4.5 get_file: if the handle has already been moved
// to permanent storage, route straight there; otherwise try perm then
// fall back through the temp chain.
func (m *Manager) GetFile(h *blockhandle.Handle, ref types.FileRef) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	moved := false
	if h.ID().IsMasterchain() {
		anchor := (h.ID().Seqno / m.cfg.ArchiveSize) * m.cfg.ArchiveSize
		if permSlice, ok := m.slices[PackageID{ID: anchor, Kind: KindPerm}]; ok {
			raw, found, _ := permSlice.db.Get(kv.BucketSingletons, movedKey(h.ID()))
			moved = found && len(raw) > 0 && raw[0] == 1
			if moved || ok {
				if data, err := permSlice.GetFile(h, ref); err == nil {
					return data, nil
				}
			}
		}
	}
	for _, s := range m.newestTempSlicesLocked() {
		if data, err := s.GetFile(h, ref); err == nil {
			return data, nil
		}
	}
	return nil, archerr.Wrap(archerr.ErrNotFound, "archive: file not found in perm or temp chain")
}

// GetBlockBy implements §4.5 get_block_by_*: masterchain queries ask the
// perm slices in ascending anchor order and return the first hit; non-
// masterchain queries ask every slice, newest perm first, then key, then
// temp, each slice matching all of its shards whose prefix contains or is
// contained in the requested one.
func (m *Manager) GetBlockBy(shardPrefix uint64, key uint64, field KeyField, mode LookupMode) (types.BlockID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if shardPrefix == types.MasterchainShard {
		var ids []PackageID
		for id := range m.slices {
			if id.Kind == KindPerm {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].ID < ids[j].ID })
		for _, id := range ids {
			if blk, err := m.slices[id].GetBlockBy(shardPrefix, key, field, mode); err == nil {
				return blk, nil
			}
		}
		return types.BlockID{}, archerr.Wrap(archerr.ErrNotFound, "archive: no masterchain slice covers lookup key")
	}

	for prefixLen := 60; prefixLen >= 0; prefixLen-- {
		for _, s := range m.newestPermThenKeyThenTempLocked() {
			if blk, err := s.GetBlockBy(shardPrefix, key, field, mode); err == nil {
				return blk, nil
			}
		}
	}
	return types.BlockID{}, archerr.Wrap(archerr.ErrNotFound, "archive: no slice covers lookup key")
}

func (m *Manager) newestPermThenKeyThenTempLocked() []*Slice {
	var perm, key, temp []PackageID
	for id := range m.slices {
		switch id.Kind {
		case KindPerm:
			perm = append(perm, id)
		case KindKey:
			key = append(key, id)
		case KindTemp:
			temp = append(temp, id)
		}
	}
	byDesc := func(ids []PackageID) []PackageID {
		sort.Slice(ids, func(i, j int) bool { return ids[i].ID > ids[j].ID })
		return ids
	}
	ordered := append(byDesc(perm), append(byDesc(key), byDesc(temp)...)...)
	out := make([]*Slice, 0, len(ordered))
	for _, id := range ordered {
		out = append(out, m.slices[id])
	}
	return out
}

// Truncate implements §4.7 truncate: discard every slice entry past
// mcSeqno, routed through each slice's own Truncate.
func (m *Manager) Truncate(mcSeqno uint32, anchor *blockhandle.Handle) error {
	m.mu.RLock()
	slices := make([]*Slice, 0, len(m.slices))
	for _, s := range m.slices {
		slices = append(slices, s)
	}
	m.mu.RUnlock()
	// Truncation rewinds on-disk package/KV state a storage operator cares
	// about independently of the component's own request-scoped logrus
	// fields, so it goes through zap like the teacher's storage call sites.
	logger := zap.L().Sugar()
	logger.Infow("archive: truncate", "mc_seqno", mcSeqno, "slices", len(slices))
	for _, s := range slices {
		if err := s.Truncate(mcSeqno, anchor); err != nil {
			return err
		}
	}
	return nil
}

// RunGC implements §4.5/§8 retention: delete all temp buckets older than
// now-1h except the newest, and all perm slices older than now-ttl except
// the newest. Deletion goes through delete/deleted-package semantics: the
// slice is marked deleted in the catalog (unroutable thereafter) before
// its package/KV are asynchronously destroyed.
func (m *Manager) RunGC(now time.Time, archiveTTL time.Duration) error {
	m.mu.Lock()
	var tempIDs, permIDs []PackageID
	for id := range m.slices {
		switch id.Kind {
		case KindTemp:
			tempIDs = append(tempIDs, id)
		case KindPerm:
			permIDs = append(permIDs, id)
		}
	}
	sort.Slice(tempIDs, func(i, j int) bool { return tempIDs[i].ID < tempIDs[j].ID })
	sort.Slice(permIDs, func(i, j int) bool { return permIDs[i].ID < permIDs[j].ID })

	cutoffTemp := now.Add(-time.Hour).Unix()
	var toDeleteTemp []PackageID
	for i, id := range tempIDs {
		if i == len(tempIDs)-1 {
			break // never delete the newest
		}
		if int64(id.ID) < cutoffTemp {
			toDeleteTemp = append(toDeleteTemp, id)
		}
	}

	cutoffPerm := now.Add(-archiveTTL)
	var toDeletePerm []PackageID
	for i, id := range permIDs {
		if i == len(permIDs)-1 {
			break
		}
		s := m.slices[id]
		lastTS, ok := s.NewestTimestamp()
		if ok && time.Unix(int64(lastTS), 0).Before(cutoffPerm) {
			toDeletePerm = append(toDeletePerm, id)
		}
	}
	m.mu.Unlock()

	for _, id := range append(toDeleteTemp, toDeletePerm...) {
		if err := m.deletePackage(id); err != nil {
			m.log.WithError(err).Warnf("archive: gc failed to delete slice %s", id)
		}
	}
	return nil
}

// deletePackage implements §4.5 delete_package -> deleted_package: the
// slice is removed from the routable catalog first (so a racing read
// fails fast with NotFound rather than touching a half-destroyed slice),
// then its files/KV are destroyed.
func (m *Manager) deletePackage(id PackageID) error {
	m.mu.Lock()
	s, ok := m.slices[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.slices, id)
	for sh, ids := range m.shardIndex {
		m.shardIndex[sh] = removeID(ids, id)
	}
	err := m.persistListing()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Destroy()
}

func removeID(ids []PackageID, target PackageID) []PackageID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// NewestTimestamp returns the largest LastTS seen across every shard
// descriptor in the slice, used by retention to judge a perm slice's age.
func (s *Slice) NewestTimestamp() (uint32, bool) {
	raw, _, err := s.db.Get(kv.BucketShardList, []byte("shards"))
	if err != nil {
		return 0, false
	}
	var newest uint32
	found := false
	for _, sh := range decodeShardList(raw) {
		descBytes, ok, err := s.db.Get(kv.BucketShardDescriptor, shardKey(sh))
		if err != nil || !ok {
			continue
		}
		desc, err := decodeShardDescriptor(descBytes)
		if err != nil {
			continue
		}
		if !found || desc.LastTS > newest {
			newest = desc.LastTS
			found = true
		}
	}
	return newest, found
}

// Close shuts down every open slice and the catalog KV.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slices {
		for _, p := range s.packages {
			p.Close()
		}
		s.db.Close()
	}
	return m.catalogDB.Close()
}

// CompactSubSlices implements SPEC_FULL §C.1: when a sub-sliced permanent
// slice has at least threshold trailing empty sub-packages, those are
// closed and dropped (the first sub-package is always kept).
// Mirrors the original archive_manager's slice-shrink path referenced by
// §4.4 truncate, run opportunistically on the GC sweep rather than inline
// on every write.
func (m *Manager) CompactSubSlices(threshold int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, s := range m.slices {
		if id.Kind != KindPerm || s.subSize == 0 {
			continue
		}
		s.mu.Lock()
		n := len(s.packages)
		for n > 1 && s.packages[n-1].Size() == 0 {
			n--
		}
		if n < len(s.packages) && len(s.packages)-n >= threshold {
			for _, p := range s.packages[n:] {
				p.Close()
			}
			s.packages = s.packages[:n]
			cb := make([]byte, 4)
			types.PutUint32(cb, uint32(n))
			_ = s.db.Set(kv.BucketSubSlice, []byte("count"), cb)
		}
		s.mu.Unlock()
	}
}
