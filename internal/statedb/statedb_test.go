package statedb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"chainarchive/internal/kv"
	"chainarchive/internal/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "kv"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return Open(db)
}

func TestInitAndGCBlockRoundTrip(t *testing.T) {
	d := openTestDB(t)

	_, found, err := d.InitBlock()
	require.NoError(t, err)
	require.False(t, found)

	id := types.BlockID{Workchain: types.MasterchainWorkchain, Shard: types.MasterchainShard, Seqno: 100}
	require.NoError(t, d.SetInitBlock(id))

	got, found, err := d.InitBlock()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, id, got)
}

func TestHardforksDedup(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.AddHardfork(100))
	require.NoError(t, d.AddHardfork(200))
	require.NoError(t, d.AddHardfork(100))

	hf, err := d.Hardforks()
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{100, 200}, hf)
}

func TestValidatorSessionDestroyed(t *testing.T) {
	d := openTestDB(t)
	destroyed, err := d.ValidatorSessionDestroyed("sess-1")
	require.NoError(t, err)
	require.False(t, destroyed)

	require.NoError(t, d.MarkValidatorSessionDestroyed("sess-1"))
	destroyed, err = d.ValidatorSessionDestroyed("sess-1")
	require.NoError(t, err)
	require.True(t, destroyed)
}

func TestStaticFilesPutGetDelete(t *testing.T) {
	sf, err := OpenStaticFiles(t.TempDir())
	require.NoError(t, err)

	name, err := sf.Put([]byte("zerostate-blob"))
	require.NoError(t, err)
	require.True(t, sf.Has(name))

	data, err := sf.Get(name)
	require.NoError(t, err)
	require.Equal(t, []byte("zerostate-blob"), data)

	require.Equal(t, 1, sf.Count())
	require.NoError(t, sf.Delete(name))
	require.False(t, sf.Has(name))

	_, err = sf.Get(name)
	require.Error(t, err)
}

func TestStaticFilesReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	sf, err := OpenStaticFiles(dir)
	require.NoError(t, err)
	name, err := sf.Put([]byte("persistent-state"))
	require.NoError(t, err)

	sf2, err := OpenStaticFiles(dir)
	require.NoError(t, err)
	require.True(t, sf2.Has(name))
}
