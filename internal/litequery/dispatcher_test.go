package litequery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chainarchive/internal/archive"
	"chainarchive/internal/cell"
	"chainarchive/internal/dict"
	"chainarchive/internal/proof"
	"chainarchive/internal/rootdb"
	"chainarchive/internal/shardstate"
	"chainarchive/internal/types"
)

func testRoot(t *testing.T) *rootdb.RootDB {
	t.Helper()
	root := t.TempDir()
	r, err := rootdb.Open(rootdb.Config{
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
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func mcBlock(seqno uint32) types.BlockID {
	return types.BlockID{Workchain: types.MasterchainWorkchain, Shard: types.MasterchainShard, Seqno: seqno}
}

// storeCellTree persists every cell rootHash transitively depends on,
// bottom-up, each under its own synthetic block id, before finally storing
// rootHash under block itself — internal/cell.Store.StoreCell requires a
// new cell's direct children to already be committed, so a multi-level
// tree can never land in one ApplyBlock call.
func storeCellTree(t *testing.T, r *rootdb.RootDB, block types.BlockID, rootHash types.Hash, cells map[types.Hash]*cell.Cell) {
	t.Helper()
	stored := map[types.Hash]bool{}
	synth := uint32(900000)
	var storeOne func(h types.Hash)
	storeOne = func(h types.Hash) {
		if stored[h] {
			return
		}
		c, ok := cells[h]
		if !ok {
			return
		}
		for _, ref := range c.Refs {
			storeOne(ref)
		}
		id := block
		if h != rootHash {
			id = types.BlockID{Workchain: types.MasterchainWorkchain, Shard: types.MasterchainShard, Seqno: synth}
			synth++
		}
		_, err := r.ApplyBlock(id, c)
		require.NoError(t, err)
		stored[h] = true
	}
	storeOne(rootHash)
}

// emptyShardState builds a state root with every dictionary slot empty,
// the minimal real tree GetAccountState/GetShardInfo/etc. can walk to a
// genuine lookup-miss.
func emptyShardState(t *testing.T) (types.Hash, map[types.Hash]*cell.Cell) {
	t.Helper()
	shardAccounts, err := dict.Empty()
	require.NoError(t, err)
	config, err := dict.Empty()
	require.NoError(t, err)
	shardHashes, err := dict.Empty()
	require.NoError(t, err)
	validatorStats, err := dict.Empty()
	require.NoError(t, err)
	libraries, err := dict.Empty()
	require.NoError(t, err)
	outMsgQueue, err := dict.Empty()
	require.NoError(t, err)
	dispatchQueue, err := dict.Empty()
	require.NoError(t, err)
	root, fresh, err := shardstate.Build(shardAccounts, config, shardHashes, validatorStats, libraries, outMsgQueue, dispatchQueue)
	require.NoError(t, err)
	return root.Hash(), fresh
}

func TestGetMasterchainInfo(t *testing.T) {
	r := testRoot(t)
	id := mcBlock(7)
	require.NoError(t, r.SetInitBlock(id))
	h, err := r.StoreBlockData(id, []byte("blk"))
	require.NoError(t, err)
	h.SetStateInited(types.Hash{0xAB}, 100)
	require.NoError(t, r.StoreBlockHandle(h))

	d := New(r, Config{})
	info, err := d.GetMasterchainInfo(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, id, info.Last)
	require.Equal(t, id, info.Init)
	require.Equal(t, types.Hash{0xAB}, info.StateRoot)
}

func TestGetBlockHeaderAndData(t *testing.T) {
	r := testRoot(t)
	id := mcBlock(3)
	h, err := r.StoreBlockData(id, []byte("payload"))
	require.NoError(t, err)
	h.SetKeyBlock(true)
	require.NoError(t, r.StoreBlockHandle(h))

	d := New(r, Config{})
	hdr, err := d.GetBlockHeader(context.Background(), id)
	require.NoError(t, err)
	require.True(t, hdr.KeyBlock)
	require.Equal(t, id, hdr.ID)

	data, err := d.GetBlockData(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestLookupBlockBySeqnoWithProof(t *testing.T) {
	r := testRoot(t)
	id := mcBlock(42)
	h, err := r.StoreBlockData(id, []byte("x"))
	require.NoError(t, err)
	h.SetStateInited(types.Hash{0xCD}, 1)
	require.NoError(t, r.StoreBlockHandle(h))

	d := New(r, Config{})
	got, p, err := d.LookupBlock(context.Background(), types.MasterchainShard, LookupBySeqno, 42, true)
	require.NoError(t, err)
	require.Equal(t, id, got)
	require.True(t, proof.Verify(p))
	require.Len(t, p.Leaf, 32)
}

func TestGetAccountStateReportsAbsence(t *testing.T) {
	r := testRoot(t)
	id := mcBlock(1)
	h, err := r.StoreBlockData(id, []byte("x"))
	require.NoError(t, err)

	stateRoot, fresh := emptyShardState(t)
	storeCellTree(t, r, id, stateRoot, fresh)
	h.SetStateInited(stateRoot, 1)
	require.NoError(t, r.StoreBlockHandle(h))

	d := New(r, Config{})
	var account types.AccountID
	st, err := d.GetAccountState(context.Background(), id, account)
	require.NoError(t, err)
	require.False(t, st.Exists)
	require.NotEmpty(t, st.ProofBoc)
}

func TestGetAccountStateFindsPresentAccount(t *testing.T) {
	r := testRoot(t)
	id := mcBlock(2)
	h, err := r.StoreBlockData(id, []byte("x"))
	require.NoError(t, err)

	var account types.AccountID
	account[0] = 0x77

	accountState, err := cell.NewOrdinary([]byte("balance=5"), 9*8, nil)
	require.NoError(t, err)
	entry, err := shardstate.NewAccountEntry(shardstate.AccountEntry{StateCell: accountState.Hash()})
	require.NoError(t, err)

	emptyAccounts, err := dict.Empty()
	require.NoError(t, err)
	fresh := map[types.Hash]*cell.Cell{
		accountState.Hash(): accountState,
		entry.Hash():         entry,
		emptyAccounts.Hash(): emptyAccounts,
	}
	resolve := func(h types.Hash) (*cell.Cell, error) { return fresh[h], nil }
	shardAccountsRoot, err := dict.Insert(emptyAccounts.Hash(), dict.Key(account[:]), entry.Hash(), resolve, fresh)
	require.NoError(t, err)

	config, err := dict.Empty()
	require.NoError(t, err)
	shardHashes, err := dict.Empty()
	require.NoError(t, err)
	validatorStats, err := dict.Empty()
	require.NoError(t, err)
	libraries, err := dict.Empty()
	require.NoError(t, err)
	outMsgQueue, err := dict.Empty()
	require.NoError(t, err)
	dispatchQueue, err := dict.Empty()
	require.NoError(t, err)
	shardAccountsCell := fresh[shardAccountsRoot]
	root, rootFresh, err := shardstate.Build(shardAccountsCell, config, shardHashes, validatorStats, libraries, outMsgQueue, dispatchQueue)
	require.NoError(t, err)
	for h, c := range rootFresh {
		fresh[h] = c
	}

	storeCellTree(t, r, id, root.Hash(), fresh)
	h.SetStateInited(root.Hash(), 1)
	require.NoError(t, r.StoreBlockHandle(h))

	d := New(r, Config{})
	st, err := d.GetAccountState(context.Background(), id, account)
	require.NoError(t, err)
	require.True(t, st.Exists)
	require.NotEmpty(t, st.Data)
	require.NotEmpty(t, st.ProofBoc)
}

func TestCacheKeyIsDeterministicAndOrderSensitive(t *testing.T) {
	k1 := cacheKey([]byte("a"), []byte("bc"))
	k2 := cacheKey([]byte("a"), []byte("bc"))
	require.Equal(t, k1, k2)

	k3 := cacheKey([]byte("ab"), []byte("c"))
	require.NotEqual(t, k1, k3)
}

func TestGetTransactionsWalksChainToBoc(t *testing.T) {
	r := testRoot(t)
	var account types.AccountID
	account[0] = 0x42
	blk := mcBlock(1)

	tx1, err := shardstate.NewTransaction(10, blk, []byte("first"), types.Hash{})
	require.NoError(t, err)
	_, err = r.ApplyBlock(mcBlock(101), tx1)
	require.NoError(t, err)

	tx2, err := shardstate.NewTransaction(20, blk, []byte("second"), tx1.Hash())
	require.NoError(t, err)
	_, err = r.ApplyBlock(mcBlock(102), tx2)
	require.NoError(t, err)

	tx3, err := shardstate.NewTransaction(30, blk, []byte("third"), tx2.Hash())
	require.NoError(t, err)
	_, err = r.ApplyBlock(mcBlock(103), tx3)
	require.NoError(t, err)

	d := New(r, Config{})
	res, err := d.GetTransactions(context.Background(), account, 30, tx3.Hash(), 5)
	require.NoError(t, err)
	require.Len(t, res.Refs, 3)
	require.Len(t, res.Blocks, 3)
	require.Equal(t, blk, res.Blocks[0])
	require.NotEmpty(t, res.Boc)
}

func TestSendMessageRejectedFromArchiveOnlyNode(t *testing.T) {
	r := testRoot(t)
	d := New(r, Config{})
	_, err := d.SendMessage(context.Background(), []byte("ext-in-msg"))
	require.Error(t, err)
}

func TestResponseCacheEvictsOldest(t *testing.T) {
	c := newResponseCache(2)
	c.put("a", []byte("1"))
	c.put("b", []byte("2"))
	c.put("c", []byte("3"))
	_, ok := c.get("a")
	require.False(t, ok)
	_, ok = c.get("c")
	require.True(t, ok)
}
