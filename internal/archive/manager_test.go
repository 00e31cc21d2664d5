package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chainarchive/internal/blockhandle"
	"chainarchive/internal/types"
)

func testConfig(root string) Config {
	return Config{
		Root:            root,
		ArchiveSize:     100,
		KeyArchiveSize:  1000,
		SubSliceSize:    0,
		TempBucketSecs:  3600,
		TempTTLSecs:     3600,
		ArchiveTTLSecs:  int64((24 * time.Hour).Seconds()),
		AsyncBatchCount: 10,
	}
}

func mcHandle(seqno uint32, ts uint32) *blockhandle.Handle {
	id := types.BlockID{Workchain: types.MasterchainWorkchain, Shard: types.MasterchainShard, Seqno: seqno}
	h := blockhandle.New(id)
	h.SetMasterchainRefSeqno(seqno)
	h.SetTimes(types.UnixTime(ts), types.LogicalTime(seqno)*1000)
	return h
}

func TestManagerAddAndGetHandle(t *testing.T) {
	m, err := Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer m.Close()

	h := mcHandle(42, 1000)
	require.NoError(t, m.AddHandle(h))

	got, err := m.GetHandle(h.ID())
	require.NoError(t, err)
	require.Equal(t, h.ID(), got.ID())
}

func TestManagerAddFileRoutesToSameSliceAsHandle(t *testing.T) {
	m, err := Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer m.Close()

	h := mcHandle(7, 1000)
	require.NoError(t, m.AddHandle(h))

	ref := types.FileRef{Block: h.ID(), Kind: types.RefBlockData}
	require.NoError(t, m.AddFile(h, ref, []byte("payload")))

	data, err := m.GetFile(h, ref)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestManagerKeyBlockMirroredToKeySlice(t *testing.T) {
	m, err := Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer m.Close()

	h := mcHandle(5, 1000)
	h.SetKeyBlock(true)
	require.NoError(t, m.AddHandle(h))

	keyID := m.packageIDFor(h, true)
	keySlice, ok := m.slices[keyID]
	require.True(t, ok)
	_, err = keySlice.GetHandle(h.ID())
	require.NoError(t, err)
}

func TestManagerPersistsListingAcrossReopen(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)

	m, err := Open(cfg)
	require.NoError(t, err)
	h := mcHandle(3, 1000)
	require.NoError(t, m.AddHandle(h))
	require.NoError(t, m.Close())

	m2, err := Open(cfg)
	require.NoError(t, err)
	defer m2.Close()

	got, err := m2.GetHandle(h.ID())
	require.NoError(t, err)
	require.Equal(t, h.ID(), got.ID())
}

func TestManagerRunGCDeletesStaleTempSlices(t *testing.T) {
	m, err := Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer m.Close()

	shardID := types.BlockID{Workchain: 0, Shard: types.MasterchainShard >> 1, Seqno: 1}
	h := blockhandle.New(shardID)
	h.SetTimes(1000, 1000)
	require.NoError(t, m.AddHandle(h))

	newShardID := types.BlockID{Workchain: 0, Shard: types.MasterchainShard >> 1, Seqno: 2}
	h2 := blockhandle.New(newShardID)
	now := time.Now()
	h2.SetTimes(types.UnixTime(now.Unix()), 2000)
	require.NoError(t, m.AddHandle(h2))

	require.NoError(t, m.RunGC(now, time.Hour))

	_, err = m.GetHandle(h2.ID())
	require.NoError(t, err)

	_, err = m.GetHandle(h.ID())
	require.Error(t, err)
}

func TestPackageIDString(t *testing.T) {
	id := PackageID{ID: 20000, Kind: KindPerm}
	require.Equal(t, "perm-0000020000", id.String())
}
