package kv

// Bucket names used across the engine's KV stores. Each constant documents
// its key/value shape the way erigon-lib/kv/tables.go documents its own
// tables — this file is the schema, not just a list of strings.

const (
	// BucketCells holds cell records.
	// key   - cell representation hash (32 bytes)
	// value - encoded cell record {refcount, body, stored_as_boc?} (see
	//         internal/cell for the encoding)
	BucketCells = "Cells"

	// BucketCellRoots is the doubly-linked list of stored roots, cyclic
	// through a sentinel entry with an empty key.
	// key   - block id bytes (empty for the sentinel)
	// value - {block_id, prev_key, next_key, root_hash}
	BucketCellRoots = "CellRoots"

	// BucketPkgStatus records a package's authoritative on-disk length.
	// key   - "status" (sub-slice index appended for sliced packages)
	// value - u64 little-endian byte length
	BucketPkgStatus = "PkgStatus"

	// BucketPkgIndex maps a stored file's name hash to its package offset.
	// key   - sha256(name) (32 bytes)
	// value - u64 little-endian offset
	BucketPkgIndex = "PkgIndex"

	// BucketShardDescriptor holds, per shard present in a slice, the
	// monotone last_* watermarks and the contiguous entry range.
	// key   - shard prefix (8 bytes) + workchain (4 bytes)
	// value - {first_idx, last_idx, last_seqno, last_lt, last_ts}
	BucketShardDescriptor = "ShardDescriptor"

	// BucketShardEntries holds one entry per (shard, idx).
	// key   - shard prefix (8) + workchain (4) + idx (4)
	// value - {block_id, lt, ts}
	BucketShardEntries = "ShardEntries"

	// BucketShardList is the slice-wide shard-list header.
	// key   - "header"
	// value - {total_shards}
	BucketShardList = "ShardList"

	// BucketHandles stores serialized block handle bytes keyed by block id.
	// key   - block id bytes
	// value - RLP-encoded handle (internal/blockhandle)
	BucketHandles = "Handles"

	// BucketSubSlice tracks per-sub-slice status/version for sliced
	// permanent archives.
	// key   - sub-slice index (4 bytes)
	// value - {status, version}
	BucketSubSlice = "SubSlice"

	// BucketCatalog is the global archive catalog: the three ordered maps
	// of PackageId plus a monotonic catalog generation (SPEC_FULL §C.3).
	// key   - "db.files.index.key"
	// value - serialized catalog listing
	BucketCatalog = "Catalog"

	// BucketSingletons holds the small process-wide singleton values of
	// §4.7: init/gc/shard-client masterchain block, hardforks,
	// async-serializer progress, destroyed validator sessions.
	// key   - singleton name
	// value - singleton-specific encoding
	BucketSingletons = "Singletons"

	// BucketStaticFiles is the in-memory-indexed, on-disk static file
	// directory's existence index.
	// key   - sha256 file name (32 bytes)
	// value - file size (u64 little-endian)
	BucketStaticFiles = "StaticFiles"
)

// AllBuckets lists every bucket a fresh Database must create on open.
var AllBuckets = []string{
	BucketCells,
	BucketCellRoots,
	BucketPkgStatus,
	BucketPkgIndex,
	BucketShardDescriptor,
	BucketShardEntries,
	BucketShardList,
	BucketHandles,
	BucketSubSlice,
	BucketCatalog,
	BucketSingletons,
	BucketStaticFiles,
}
