package proof

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chainarchive/internal/blockhandle"
	"chainarchive/internal/cell"
	"chainarchive/internal/dict"
	"chainarchive/internal/shardstate"
	"chainarchive/internal/types"
)

// memStore backs Resolve with a plain map, the same ephemeral-fixture
// pattern the cell and dict packages' own tests use.
type memStore map[types.Hash]*cell.Cell

func (m memStore) resolve(h types.Hash) (*cell.Cell, error) { return m[h], nil }

func (m memStore) put(c *cell.Cell) types.Hash {
	m[c.Hash()] = c
	return c.Hash()
}

func newTestHandle(t *testing.T) *blockhandle.Handle {
	t.Helper()
	id := newTestBlockID(7)
	h := blockhandle.New(id)
	h.SetTimes(12345, 67890)
	h.SetPrev(0, newTestBlockID(6))
	h.SetNext(0, newTestBlockID(8))
	h.SetStateInited(types.Hash{0x42}, 12345)
	return h
}

func TestBlockHeaderProofEveryField(t *testing.T) {
	h := newTestHandle(t)
	for field := 0; field < headerFieldCount; field++ {
		p, err := BlockHeaderProof(h, field)
		require.NoError(t, err, "field %d", field)
		require.True(t, Verify(p), "field %d should verify", field)
	}
}

func TestBlockHeaderProofRejectsUnknownField(t *testing.T) {
	h := newTestHandle(t)
	_, err := BlockHeaderProof(h, headerFieldCount)
	require.Error(t, err)
}

func TestStateRootInBlockProofMatchesHandle(t *testing.T) {
	h := newTestHandle(t)
	p, err := StateRootInBlockProof(h)
	require.NoError(t, err)
	require.True(t, Verify(p))
	stateRoot := h.StateRootHash()
	require.Equal(t, stateRoot[:], p.Leaf)
}

func TestVerifyRejectsTamperedLeaf(t *testing.T) {
	h := newTestHandle(t)
	p, err := StateRootInBlockProof(h)
	require.NoError(t, err)
	p.Leaf = []byte("tampered")
	require.False(t, Verify(p))
}

func TestVerifyRejectsWrongRoot(t *testing.T) {
	h1 := newTestHandle(t)
	h2 := newTestHandle(t)
	h2.SetTimes(99999, 11111)
	p1, err := StateRootInBlockProof(h1)
	require.NoError(t, err)
	p2, err := StateRootInBlockProof(h2)
	require.NoError(t, err)
	p1.Root = p2.Root
	require.False(t, Verify(p1))
}

func TestAncestorBlockProofWalksChain(t *testing.T) {
	chain := []types.BlockID{newTestBlockID(10), newTestBlockID(9), newTestBlockID(8)}
	for depth := range chain {
		p, err := AncestorBlockProof(chain, uint32(depth))
		require.NoError(t, err)
		require.True(t, Verify(p))
		require.Equal(t, chain[depth].Bytes(), p.Leaf)
	}
}

func TestAncestorBlockProofRejectsOutOfRange(t *testing.T) {
	chain := []types.BlockID{newTestBlockID(1)}
	_, err := AncestorBlockProof(chain, 5)
	require.Error(t, err)
}

// testState builds a minimal shard state with one populated ShardAccounts
// entry and one shard-hashes entry, backed by an in-memory store, so the
// dictionary-backed proof constructors have real material to walk.
func testState(t *testing.T) (types.Hash, memStore, types.AccountID, *cell.Cell) {
	t.Helper()
	store := memStore{}

	var account types.AccountID
	account[0] = 0xAB
	account[1] = 0xCD

	blk := newTestBlockID(7)
	tx1, err := shardstate.NewTransaction(1, blk, []byte("genesis"), types.Hash{})
	require.NoError(t, err)
	store.put(tx1)
	tx2, err := shardstate.NewTransaction(2, blk, []byte("second"), tx1.Hash())
	require.NoError(t, err)
	store.put(tx2)

	accountState, err := cell.NewOrdinary([]byte("balance=100"), 11*8, nil)
	require.NoError(t, err)
	store.put(accountState)

	entry, err := shardstate.NewAccountEntry(shardstate.AccountEntry{StateCell: accountState.Hash(), TxChainHead: tx2.Hash()})
	require.NoError(t, err)
	store.put(entry)

	emptyAccounts, err := dict.Empty()
	require.NoError(t, err)
	store.put(emptyAccounts)
	fresh := map[types.Hash]*cell.Cell{}
	shardAccountsRoot, err := dict.Insert(emptyAccounts.Hash(), dict.Key(account[:]), entry.Hash(), store.resolve, fresh)
	require.NoError(t, err)
	for _, c := range fresh {
		store.put(c)
	}

	emptyShardHashes, err := dict.Empty()
	require.NoError(t, err)
	store.put(emptyShardHashes)
	shardKey := shardstate.ShardHashKey(0, 0x8000000000000000)
	fresh2 := map[types.Hash]*cell.Cell{}
	shardHashesRoot, err := dict.Insert(emptyShardHashes.Hash(), dict.Key(shardKey[:]), types.Hash{}, store.resolve, fresh2)
	require.NoError(t, err)
	for _, c := range fresh2 {
		store.put(c)
	}

	config, err := dict.Empty()
	require.NoError(t, err)
	store.put(config)
	validatorStats, err := dict.Empty()
	require.NoError(t, err)
	store.put(validatorStats)
	libraries, err := dict.Empty()
	require.NoError(t, err)
	store.put(libraries)
	outMsgQueue, err := dict.Empty()
	require.NoError(t, err)
	store.put(outMsgQueue)
	dispatchQueue, err := dict.Empty()
	require.NoError(t, err)
	store.put(dispatchQueue)

	shardAccountsCell, err := store.resolve(shardAccountsRoot)
	require.NoError(t, err)
	shardHashesCell, err := store.resolve(shardHashesRoot)
	require.NoError(t, err)

	root, fresh3, err := shardstate.Build(shardAccountsCell, config, shardHashesCell, validatorStats, libraries, outMsgQueue, dispatchQueue)
	require.NoError(t, err)
	for _, c := range fresh3 {
		store.put(c)
	}
	return root.Hash(), store, account, tx2
}

func TestAccountStateProofFindsPresentAccount(t *testing.T) {
	stateRoot, store, account, _ := testState(t)
	p, found, err := AccountStateProof(stateRoot, account, store.resolve)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, Verify(p))
	require.Equal(t, stateRoot, p.Root)
}

func TestAccountStateProofReportsMiss(t *testing.T) {
	stateRoot, store, _, _ := testState(t)
	var other types.AccountID
	other[0] = 0xFF
	other[1] = 0xEE
	p, found, err := AccountStateProof(stateRoot, other, store.resolve)
	require.NoError(t, err)
	require.False(t, found)
	require.True(t, Verify(p))
	require.Equal(t, stateRoot, p.Root)
}

func TestTransactionProofWalksChain(t *testing.T) {
	stateRoot, store, account, head := testState(t)
	p, found, err := TransactionProof(stateRoot, account, head.Hash(), store.resolve)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, Verify(p))
}

func TestTransactionProofReportsAbsentTransaction(t *testing.T) {
	stateRoot, store, account, _ := testState(t)
	p, found, err := TransactionProof(stateRoot, account, types.Hash{0x99}, store.resolve)
	require.NoError(t, err)
	require.False(t, found)
	require.True(t, Verify(p))
}

func TestShardInfoInStateProofFindsEntry(t *testing.T) {
	stateRoot, store, _, _ := testState(t)
	p, found, err := ShardInfoInStateProof(stateRoot, 0x8000000000000000, 0, store.resolve)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, Verify(p))
}

func TestShardInfoInStateProofReportsMiss(t *testing.T) {
	stateRoot, store, _, _ := testState(t)
	p, found, err := ShardInfoInStateProof(stateRoot, 0x4000000000000000, 0, store.resolve)
	require.NoError(t, err)
	require.False(t, found)
	require.True(t, Verify(p))
}

func TestVerifyCellProofRejectsTamperedBag(t *testing.T) {
	stateRoot, store, account, _ := testState(t)
	p, found, err := AccountStateProof(stateRoot, account, store.resolve)
	require.NoError(t, err)
	require.True(t, found)
	for h, c := range p.Bag.Cells {
		if h == p.LeafHash {
			continue
		}
		p.Bag.Cells[h] = c
	}
	delete(p.Bag.Cells, p.Root)
	require.False(t, VerifyCellProof(p.Bag))
}
