// Package statedb holds the small pieces of global, process-wide state
// that don't belong to any one archive slice: init/gc/shard-client
// masterchain block pointers, the hardfork list, async-serializer
// progress, destroyed validator session ids, and the persistent/zerostate
// static file directory (§4.7, §6).
//
// Grounded on internal/kv's Database/Txn for the singleton values, and on
// core/storage.go's Pin() (cid.NewCidV1 + multihash, sha256-derived
// content addressing) for the static file directory's naming scheme.
package statedb

import (
	"sort"
	"sync"

	"chainarchive/internal/archerr"
	"chainarchive/internal/kv"
	"chainarchive/internal/types"
)

// Key names for the singleton values kept in kv.BucketSingletons (§4.7
// "db.*" singletons: init block, gc block, shard client mc block, ...).
const (
	keyInitBlock             = "init_block"
	keyGCBlock               = "gc_block"
	keyShardClientMCBlock    = "shard_client_mc_block"
	keyHardforks             = "hardforks"
	keyAsyncSerializerBlock  = "async_serializer_progress"
	keyDestroyedValidatorPfx = "destroyed_validator_session:"
)

// DB is the singleton/statedb facade over one kv.Database (§4.7).
type DB struct {
	mu sync.Mutex
	kv *kv.Database
}

// Open wraps an already-open kv.Database. statedb does not own the
// database's lifecycle; the caller (rootdb) closes it.
func Open(db *kv.Database) *DB {
	return &DB{kv: db}
}

func (d *DB) getBlockID(key string) (types.BlockID, bool, error) {
	raw, found, err := d.kv.Get(kv.BucketSingletons, []byte(key))
	if err != nil {
		return types.BlockID{}, false, err
	}
	if !found {
		return types.BlockID{}, false, nil
	}
	id, err := types.ParseBlockIDBytes(raw)
	if err != nil {
		return types.BlockID{}, false, err
	}
	return id, true, nil
}

func (d *DB) setBlockID(key string, id types.BlockID) error {
	return d.kv.Set(kv.BucketSingletons, []byte(key), id.Bytes())
}

// InitBlock returns the masterchain block the engine was initialized at.
func (d *DB) InitBlock() (types.BlockID, bool, error) { return d.getBlockID(keyInitBlock) }

// SetInitBlock records the masterchain block the engine was initialized
// at. Set exactly once, at zerostate import time.
func (d *DB) SetInitBlock(id types.BlockID) error { return d.setBlockID(keyInitBlock, id) }

// GCBlock returns the masterchain block up to which archive/state GC has
// already run.
func (d *DB) GCBlock() (types.BlockID, bool, error) { return d.getBlockID(keyGCBlock) }

// SetGCBlock advances the GC watermark.
func (d *DB) SetGCBlock(id types.BlockID) error { return d.setBlockID(keyGCBlock, id) }

// ShardClientMCBlock returns the masterchain block the shard client
// believes is the most recently fully-processed one.
func (d *DB) ShardClientMCBlock() (types.BlockID, bool, error) {
	return d.getBlockID(keyShardClientMCBlock)
}

// SetShardClientMCBlock advances the shard client watermark.
func (d *DB) SetShardClientMCBlock(id types.BlockID) error {
	return d.setBlockID(keyShardClientMCBlock, id)
}

// Hardforks returns the sorted list of masterchain seqnos flagged as
// hardfork boundaries.
func (d *DB) Hardforks() ([]uint32, error) {
	raw, found, err := d.kv.Get(kv.BucketSingletons, []byte(keyHardforks))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return decodeUint32List(raw), nil
}

// AddHardfork inserts seqno into the hardfork list if not already present.
func (d *DB) AddHardfork(seqno uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	list, err := d.Hardforks()
	if err != nil {
		return err
	}
	for _, s := range list {
		if s == seqno {
			return nil
		}
	}
	list = append(list, seqno)
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return d.kv.Set(kv.BucketSingletons, []byte(keyHardforks), encodeUint32List(list))
}

func encodeUint32List(vs []uint32) []byte {
	b := make([]byte, 4+4*len(vs))
	types.PutUint32(b[0:4], uint32(len(vs)))
	for i, v := range vs {
		types.PutUint32(b[4+4*i:8+4*i], v)
	}
	return b
}

func decodeUint32List(b []byte) []uint32 {
	if len(b) < 4 {
		return nil
	}
	n := int(types.GetUint32(b[0:4]))
	out := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		off := 4 + 4*i
		if off+4 > len(b) {
			break
		}
		out = append(out, types.GetUint32(b[off:off+4]))
	}
	return out
}

// AsyncSerializerProgress returns the masterchain block the background
// async serializer has most recently fully persisted (SPEC_FULL §C.4).
func (d *DB) AsyncSerializerProgress() (types.BlockID, bool, error) {
	return d.getBlockID(keyAsyncSerializerBlock)
}

// SetAsyncSerializerProgress advances the async serializer watermark.
func (d *DB) SetAsyncSerializerProgress(id types.BlockID) error {
	return d.setBlockID(keyAsyncSerializerBlock, id)
}

// MarkValidatorSessionDestroyed records that a validator session's state
// has been permanently torn down, so a retried destroy call is a no-op
// rather than an error.
func (d *DB) MarkValidatorSessionDestroyed(sessionID string) error {
	return d.kv.Set(kv.BucketSingletons, []byte(keyDestroyedValidatorPfx+sessionID), []byte{1})
}

// ValidatorSessionDestroyed reports whether sessionID was already torn
// down.
func (d *DB) ValidatorSessionDestroyed(sessionID string) (bool, error) {
	_, found, err := d.kv.Get(kv.BucketSingletons, []byte(keyDestroyedValidatorPfx+sessionID))
	return found, err
}

// ErrNotInitialized is returned by callers that require InitBlock/GCBlock
// to already be set.
var ErrNotInitialized = archerr.Wrap(archerr.ErrNotReady, "statedb: not initialized")
