package rootdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chainarchive/internal/archive"
	"chainarchive/internal/cell"
	"chainarchive/internal/types"
)

func testCfg(root string) Config {
	return Config{
		Root: root,
		Cell: cell.Config{},
		Archive: archive.Config{
			Root:            root + "/archive",
			ArchiveSize:     20000,
			KeyArchiveSize:  200000,
			TempBucketSecs:  3600,
			ArchiveTTLSecs:  int64((24 * time.Hour).Seconds()),
			AsyncBatchCount: 10,
		},
		ArchiveTTLSecs: int64((24 * time.Hour).Seconds()),
	}
}

func TestStoreAndGetBlockData(t *testing.T) {
	r, err := Open(testCfg(t.TempDir()))
	require.NoError(t, err)
	defer r.Close()

	id := types.BlockID{Workchain: types.MasterchainWorkchain, Shard: types.MasterchainShard, Seqno: 10}
	h, err := r.StoreBlockData(id, []byte("block-bytes"))
	require.NoError(t, err)
	require.Equal(t, id, h.ID())

	data, err := r.GetBlockData(h)
	require.NoError(t, err)
	require.Equal(t, []byte("block-bytes"), data)
}

func TestStoreAndTryGetStaticFile(t *testing.T) {
	r, err := Open(testCfg(t.TempDir()))
	require.NoError(t, err)
	defer r.Close()

	name, err := r.StoreStaticFile([]byte("zerostate"))
	require.NoError(t, err)

	data, found, err := r.TryGetStaticFile(name)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("zerostate"), data)

	_, found, err = r.TryGetStaticFile("missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestInitBlockRoundTrip(t *testing.T) {
	r, err := Open(testCfg(t.TempDir()))
	require.NoError(t, err)
	defer r.Close()

	id := types.BlockID{Workchain: types.MasterchainWorkchain, Shard: types.MasterchainShard, Seqno: 1}
	require.NoError(t, r.SetInitBlock(id))
	got, found, err := r.InitBlock()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, id, got)
}

func TestGetBlockBySeqno(t *testing.T) {
	r, err := Open(testCfg(t.TempDir()))
	require.NoError(t, err)
	defer r.Close()

	id := types.BlockID{Workchain: types.MasterchainWorkchain, Shard: types.MasterchainShard, Seqno: 55}
	_, err = r.StoreBlockData(id, []byte("x"))
	require.NoError(t, err)

	got, err := r.GetBlockBySeqno(types.MasterchainShard, 55)
	require.NoError(t, err)
	require.Equal(t, id, got)
}
