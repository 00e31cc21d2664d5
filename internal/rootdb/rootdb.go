// Package rootdb is the facade of §4.7: it unifies the cell graph, the
// archive manager, and the singleton/static-file state database behind
// one API surface, so callers never have to know which subsystem a given
// block's data currently lives in.
//
// Grounded on core/node.go's top-level Node struct wiring its storage,
// ledger and sync subsystems together behind one set of exported methods
// (deleted from the workspace once its fields were folded in here — see
// DESIGN.md). The background GC schedule itself lives in internal/gc,
// not here; RunGC is a plain synchronous method.
package rootdb

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chainarchive/internal/archerr"
	"chainarchive/internal/archive"
	"chainarchive/internal/blockhandle"
	"chainarchive/internal/cell"
	"chainarchive/internal/kv"
	"chainarchive/internal/statedb"
	"chainarchive/internal/types"
)

// Config aggregates every subsystem's configuration into the single
// object a daemon main() needs to stand up a RootDB.
type Config struct {
	Root           string
	Cell           cell.Config
	Archive        archive.Config
	StaticFilesDir string
	ArchiveTTLSecs int64
}

// RootDB is the unified facade: every public method corresponds to one
// operation named in §4.7.
type RootDB struct {
	mu sync.RWMutex

	cfg   Config
	log   *logrus.Entry
	stateKV *kv.Database

	cells   *cell.Store
	state   *statedb.DB
	static  *statedb.StaticFiles
	archive *archive.Manager

	handles map[types.BlockID]*blockhandle.Handle
}

// Open stands up every subsystem rooted at cfg.Root.
func Open(cfg Config) (*RootDB, error) {
	stateKV, err := kv.Open(filepath.Join(cfg.Root, "state"))
	if err != nil {
		return nil, archerr.Wrap(err, "rootdb: open state kv")
	}
	cellStore, err := cell.Open(stateKV, cfg.Cell, logrus.StandardLogger())
	if err != nil {
		stateKV.Close()
		return nil, archerr.Wrap(err, "rootdb: open cell store")
	}
	staticDir := cfg.StaticFilesDir
	if staticDir == "" {
		staticDir = filepath.Join(cfg.Root, "files", "persistent")
	}
	staticFiles, err := statedb.OpenStaticFiles(staticDir)
	if err != nil {
		cellStore.Close()
		stateKV.Close()
		return nil, err
	}
	mgr, err := archive.Open(cfg.Archive)
	if err != nil {
		cellStore.Close()
		stateKV.Close()
		return nil, archerr.Wrap(err, "rootdb: open archive manager")
	}

	r := &RootDB{
		cfg:     cfg,
		log:     logrus.WithField("component", "rootdb"),
		stateKV: stateKV,
		cells:   cellStore,
		state:   statedb.Open(stateKV),
		static:  staticFiles,
		archive: mgr,
		handles: make(map[types.BlockID]*blockhandle.Handle),
	}
	return r, nil
}

// Close stops every owned subsystem. The background GC loop, if any, is
// owned by internal/gc and must be stopped by the caller before Close.
func (r *RootDB) Close() error {
	r.cells.Close()
	if err := r.archive.Close(); err != nil {
		r.stateKV.Close()
		return err
	}
	return r.stateKV.Close()
}

// StoreBlockData persists a block's raw data blob, registering its
// handle with the archive manager on first sight (§4.7 store_block_data).
func (r *RootDB) StoreBlockData(id types.BlockID, data []byte) (*blockhandle.Handle, error) {
	h, err := r.getOrCreateHandle(id)
	if err != nil {
		return nil, err
	}
	if err := r.archive.AddHandle(h); err != nil {
		return nil, err
	}
	ref := types.FileRef{Block: id, Kind: types.RefBlockData}
	if err := r.archive.AddFile(h, ref, data); err != nil {
		return nil, err
	}
	return h, nil
}

// StoreBlockProof and StoreBlockProofLink persist a key/ordinary block's
// proof blobs (§4.7 store_block_proof[_link]).
func (r *RootDB) StoreBlockProof(h *blockhandle.Handle, data []byte) error {
	return r.storeRef(h, types.RefProof, data, h.SetProofInited)
}

func (r *RootDB) StoreBlockProofLink(h *blockhandle.Handle, data []byte) error {
	return r.storeRef(h, types.RefProofLink, data, h.SetProofLinkInited)
}

func (r *RootDB) StoreBlockSignatures(h *blockhandle.Handle, data []byte) error {
	return r.storeRef(h, types.RefSignatures, data, h.SetSignaturesInited)
}

func (r *RootDB) storeRef(h *blockhandle.Handle, kind types.RefKind, data []byte, mark func(bool)) error {
	ref := types.FileRef{Block: h.ID(), Kind: kind}
	if err := r.archive.AddFile(h, ref, data); err != nil {
		return err
	}
	mark(true)
	return r.archive.UpdateHandle(h)
}

// GetBlockData, GetBlockProof, GetBlockProofLink, GetBlockSignatures
// implement §4.7's corresponding get_* operations.
func (r *RootDB) GetBlockData(h *blockhandle.Handle) ([]byte, error) {
	return r.archive.GetFile(h, types.FileRef{Block: h.ID(), Kind: types.RefBlockData})
}

func (r *RootDB) GetBlockProof(h *blockhandle.Handle) ([]byte, error) {
	return r.archive.GetFile(h, types.FileRef{Block: h.ID(), Kind: types.RefProof})
}

func (r *RootDB) GetBlockProofLink(h *blockhandle.Handle) ([]byte, error) {
	return r.archive.GetFile(h, types.FileRef{Block: h.ID(), Kind: types.RefProofLink})
}

func (r *RootDB) GetBlockSignatures(h *blockhandle.Handle) ([]byte, error) {
	return r.archive.GetFile(h, types.FileRef{Block: h.ID(), Kind: types.RefSignatures})
}

// StoreBlockHandle / GetBlockHandle implement §4.7 store/get_block_handle.
func (r *RootDB) StoreBlockHandle(h *blockhandle.Handle) error {
	r.mu.Lock()
	r.handles[h.ID()] = h
	r.mu.Unlock()
	return r.archive.UpdateHandle(h)
}

func (r *RootDB) GetBlockHandle(id types.BlockID) (*blockhandle.Handle, error) {
	r.mu.RLock()
	h, ok := r.handles[id]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}
	return r.archive.GetHandle(id)
}

func (r *RootDB) getOrCreateHandle(id types.BlockID) (*blockhandle.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[id]; ok {
		return h, nil
	}
	if h, err := r.archive.GetHandle(id); err == nil {
		r.handles[id] = h
		return h, nil
	}
	h := blockhandle.New(id)
	r.handles[id] = h
	return h, nil
}

// ApplyBlock stores a cell-graph state root for id, so later
// get_shard_state/get_account_state queries can resolve it (§4.7
// apply_block).
func (r *RootDB) ApplyBlock(id types.BlockID, stateRoot *cell.Cell) (*cell.Cell, error) {
	return r.cells.StoreCell(id, stateRoot)
}

// GetShardState resolves the state root cell that ApplyBlock stored for
// id.
func (r *RootDB) GetShardState(id types.BlockID) (*cell.Cell, error) {
	h, err := r.archive.GetHandle(id)
	if err != nil {
		return nil, err
	}
	if !h.StateInited() {
		return nil, archerr.Wrap(archerr.ErrNotFound, "rootdb: state not inited for block")
	}
	return r.cells.LoadCell(h.StateRootHash())
}

// LoadCell resolves a single cell by hash out of the shared cell store,
// for callers (such as litequery's transaction-chain walk) that need to
// follow Refs beyond a state root one hop at a time.
func (r *RootDB) LoadCell(hash types.Hash) (*cell.Cell, error) {
	return r.cells.LoadCell(hash)
}

// TryGetStaticFile implements §4.7 try_get_static_file: a non-erroring
// existence-checked read of the persistent-state/zerostate directory.
func (r *RootDB) TryGetStaticFile(name string) ([]byte, bool, error) {
	if !r.static.Has(name) {
		return nil, false, nil
	}
	data, err := r.static.Get(name)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// StoreStaticFile persists a persistent-state or zerostate blob, returning
// the content-hash name it is now retrievable under.
func (r *RootDB) StoreStaticFile(data []byte) (string, error) {
	return r.static.Put(data)
}

// GetBlockByLT/Seqno/UnixTime implement §4.7's get_block_by_* trio.
func (r *RootDB) GetBlockBySeqno(shard uint64, seqno uint32) (types.BlockID, error) {
	return r.archive.GetBlockBy(shard, uint64(seqno), archive.FieldSeqno, archive.LookupExact)
}

func (r *RootDB) GetBlockByLT(shard uint64, lt uint64) (types.BlockID, error) {
	return r.archive.GetBlockBy(shard, lt, archive.FieldLT, archive.LookupNearest)
}

func (r *RootDB) GetBlockByUnixTime(shard uint64, ts uint32) (types.BlockID, error) {
	return r.archive.GetBlockBy(shard, uint64(ts), archive.FieldUnixTime, archive.LookupNearest)
}

// InitBlock/GCBlock/ShardClientMCBlock expose the statedb singletons.
func (r *RootDB) InitBlock() (types.BlockID, bool, error) { return r.state.InitBlock() }
func (r *RootDB) SetInitBlock(id types.BlockID) error      { return r.state.SetInitBlock(id) }
func (r *RootDB) GCBlock() (types.BlockID, bool, error)    { return r.state.GCBlock() }
func (r *RootDB) ShardClientMCBlock() (types.BlockID, bool, error) {
	return r.state.ShardClientMCBlock()
}
func (r *RootDB) SetShardClientMCBlock(id types.BlockID) error {
	return r.state.SetShardClientMCBlock(id)
}

// AddKeyBlockProof / AddKeyBlockProofLink implement §4.7's
// add_key_block_proof(_link): store the blob and flag the handle as a
// key block if it wasn't already known to be one.
func (r *RootDB) AddKeyBlockProof(h *blockhandle.Handle, data []byte) error {
	h.SetKeyBlock(true)
	return r.StoreBlockProof(h, data)
}

func (r *RootDB) AddKeyBlockProofLink(h *blockhandle.Handle, data []byte) error {
	h.SetKeyBlock(true)
	return r.StoreBlockProofLink(h, data)
}

// GetArchiveSlice implements §4.7 get_archive_slice: resolve which slice a
// block currently lives in and hand back an opaque handle to it. There is
// no separate get_archive_id method; the slice's ID() carries its identity.
func (r *RootDB) GetArchiveSlice(id types.BlockID) (*archive.Slice, error) {
	return r.archive.GetHandleSlice(id)
}

// Truncate implements §4.7 truncate: discard every stored block beyond
// mcSeqno across the archive manager.
func (r *RootDB) Truncate(mcSeqno uint32) error {
	anchor, _ := r.getOrCreateHandle(types.BlockID{
		Workchain: types.MasterchainWorkchain,
		Shard:     types.MasterchainShard,
		Seqno:     mcSeqno,
	})
	return r.archive.Truncate(mcSeqno, anchor)
}

// RunGC runs one retention sweep across the archive manager and the cell
// store (§4.7 run_gc, §8).
func (r *RootDB) RunGC(now time.Time, mayDelete cell.MayDeleteState) error {
	ttl := time.Duration(r.cfg.ArchiveTTLSecs) * time.Second
	if err := r.archive.RunGC(now, ttl); err != nil {
		return err
	}
	r.archive.CompactSubSlices(4)
	for {
		_, found, err := r.cells.GCOldestRoot(mayDelete, func(id types.BlockID) error {
			h, err := r.getOrCreateHandle(id)
			if err != nil {
				return err
			}
			h.SetStateDeleted(true)
			return r.archive.UpdateHandle(h)
		})
		if err != nil {
			return err
		}
		if !found {
			break
		}
	}
	return r.state.SetGCBlock(types.BlockID{
		Workchain: types.MasterchainWorkchain,
		Shard:     types.MasterchainShard,
	})
}
