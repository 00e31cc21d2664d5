// Package proof builds and verifies the Merkle proofs of §4.8: block
// header field proofs, state-root-in-block proofs, shard-info-in-state
// proofs, ancestor-block proofs, account-state and transaction proofs,
// and validator-weight-threshold proof chains linking key blocks.
//
// Every domain proof bottoms out in the same pruned-cell proof engine
// (cellproof.go): a bag of cells rooted at a real, pre-existing root —
// a block's header-field tree, a shard state root, an account's
// transaction chain — with everything off the revealed path replaced by
// a pruned placeholder. Each constructor below gives that engine its own
// domain-specific tree shape rather than flattening every proof kind
// into one generic leaf list.
//
// Grounded on internal/cell's content-addressed DAG and internal/dict's
// binary trie for the dictionary-backed proofs, and on
// core/merkle_tree_operations.go's sibling-path proof shape for the
// header-field and ancestor-chain proofs, which have no existing stored
// dictionary to hang off of and so build their own small cell tree.
package proof

import (
	"chainarchive/internal/archerr"
	"chainarchive/internal/blockhandle"
	"chainarchive/internal/cell"
	"chainarchive/internal/dict"
	"chainarchive/internal/shardstate"
	"chainarchive/internal/types"
)

// memResolve backs an ephemeral, in-memory cell tree (one built fresh by
// a proof constructor, never persisted) with the Resolve signature
// BuildCellProof expects.
func memResolve(cells map[types.Hash]*cell.Cell) Resolve {
	return func(h types.Hash) (*cell.Cell, error) {
		c, ok := cells[h]
		if !ok {
			return nil, archerr.Wrap(archerr.ErrNotFound, "proof: cell not in ephemeral tree")
		}
		return c, nil
	}
}

// --- block header field proof -------------------------------------------

// Header field indices into the fixed 9-leaf tree BlockHeaderProof builds
// from a blockhandle.Handle.
const (
	HeaderFieldRootHash = iota
	HeaderFieldFileHash
	HeaderFieldPrev0
	HeaderFieldPrev1
	HeaderFieldNext0
	HeaderFieldNext1
	HeaderFieldStateRoot
	HeaderFieldKeyBlock
	HeaderFieldTimes
	headerFieldCount
)

func headerLeaves(h *blockhandle.Handle) [][]byte {
	id := h.ID()
	prev := h.Prev()
	next := h.Next()
	var keyBlock byte
	if h.KeyBlock() {
		keyBlock = 1
	}
	times := make([]byte, 12)
	types.PutUint32(times[0:4], uint32(h.UnixTime()))
	types.PutUint64(times[4:12], uint64(h.LogicalTime()))
	stateRoot := h.StateRootHash()
	return [][]byte{
		append([]byte(nil), id.RootHash[:]...),
		append([]byte(nil), id.FileHash[:]...),
		append([]byte(nil), prev[0].RootHash[:]...),
		append([]byte(nil), prev[1].RootHash[:]...),
		append([]byte(nil), next[0].RootHash[:]...),
		append([]byte(nil), next[1].RootHash[:]...),
		append([]byte(nil), stateRoot[:]...),
		{keyBlock},
		times,
	}
}

// buildLeafTree folds leaves pairwise into a binary cell tree (an odd one
// out at any level carries straight up unchanged), returning the root
// cell's hash, each leaf's cell hash in input order, and every
// constructed cell so a Resolve can be built over them.
func buildLeafTree(leaves [][]byte) (types.Hash, []types.Hash, map[types.Hash]*cell.Cell, error) {
	cells := map[types.Hash]*cell.Cell{}
	level := make([]types.Hash, len(leaves))
	for i, l := range leaves {
		c, err := cell.NewOrdinary(l, uint16(len(l)*8), nil)
		if err != nil {
			return types.Hash{}, nil, nil, err
		}
		cells[c.Hash()] = c
		level[i] = c.Hash()
	}
	leafHashes := append([]types.Hash(nil), level...)
	for len(level) > 1 {
		var next []types.Hash
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			c, err := cell.NewOrdinary(nil, 0, []types.Hash{level[i], level[i+1]})
			if err != nil {
				return types.Hash{}, nil, nil, err
			}
			cells[c.Hash()] = c
			next = append(next, c.Hash())
		}
		level = next
	}
	return level[0], leafHashes, cells, nil
}

// leafKeepSet returns the set of hashes BuildCellProof must keep to reveal
// exactly leafIndex out of a buildLeafTree: the leaf itself and every one
// of its ancestors, derived by rebuilding the same pairing structure.
func leafKeepSet(leafHashes []types.Hash, leafIndex int, root types.Hash, cells map[types.Hash]*cell.Cell) map[types.Hash]bool {
	keep := map[types.Hash]bool{root: true, leafHashes[leafIndex]: true}
	level := append([]types.Hash(nil), leafHashes...)
	idx := leafIndex
	for len(level) > 1 {
		var next []types.Hash
		nextIdx := idx
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				if i == idx {
					nextIdx = len(next) - 1
				}
				continue
			}
			parent := findParent(cells, level[i], level[i+1])
			next = append(next, parent)
			if i == idx || i+1 == idx {
				nextIdx = len(next) - 1
				keep[parent] = true
			}
		}
		level = next
		idx = nextIdx
	}
	return keep
}

func findParent(cells map[types.Hash]*cell.Cell, left, right types.Hash) types.Hash {
	for h, c := range cells {
		if len(c.Refs) == 2 && c.Refs[0] == left && c.Refs[1] == right {
			return h
		}
	}
	return types.Hash{}
}

// BlockHeaderProof proves one field of h's header against a tree built
// from h's own linkage fields — id, prev/next links, state root, the
// key-block bit and its times — the set get_block_header actually
// reports.
func BlockHeaderProof(h *blockhandle.Handle, field int) (Proof, error) {
	if field < 0 || field >= headerFieldCount {
		return Proof{}, archerr.Wrap(archerr.ErrProtocolViolation, "proof: unknown header field")
	}
	leaves := headerLeaves(h)
	root, leafHashes, cells, err := buildLeafTree(leaves)
	if err != nil {
		return Proof{}, err
	}
	keep := leafKeepSet(leafHashes, field, root, cells)
	bag, err := BuildCellProof(root, memResolve(cells), keep)
	if err != nil {
		return Proof{}, err
	}
	return Proof{Root: root, LeafHash: leafHashes[field], Leaf: leaves[field], Bag: bag}, nil
}

// StateRootInBlockProof proves h's declared state root hash specifically,
// the one field get_account_state and run_smc_method both rely on a
// caller being able to tie back to a genuine block header.
func StateRootInBlockProof(h *blockhandle.Handle) (Proof, error) {
	return BlockHeaderProof(h, HeaderFieldStateRoot)
}

// --- shard-info-in-state proof -------------------------------------------

// ShardInfoInStateProof proves whether a shard-hashes dictionary entry
// for shardKey exists in the state rooted at stateRoot, a real lookup
// against internal/shardstate's shard-hashes slot rather than a leaf list
// assembled solely for the call.
func ShardInfoInStateProof(stateRoot types.Hash, shardKey uint64, workchain int32, resolve Resolve) (Proof, bool, error) {
	stateCell, err := resolve(stateRoot)
	if err != nil {
		return Proof{}, false, err
	}
	view := shardstate.Open(stateCell, shardstate.Resolve(resolve))
	extraHash := stateCell.Refs[shardstate.SlotExtra]
	shardHashesRoot, err := view.ShardHashesRoot()
	if err != nil {
		return Proof{}, false, err
	}
	if shardHashesRoot.IsZero() {
		return Proof{}, false, archerr.Wrap(archerr.ErrNotFound, "proof: no shard-hashes dictionary in this state")
	}
	key := dict.Key(shardstate.ShardHashKey(workchain, shardKey)[:])

	res, err := dict.Lookup(shardHashesRoot, key, resolve)
	if err != nil {
		return Proof{}, false, err
	}
	keep := map[types.Hash]bool{stateRoot: true, extraHash: true, shardHashesRoot: true}
	for _, h := range res.Visited {
		keep[h] = true
	}
	bag, err := BuildCellProof(stateRoot, resolve, keep)
	if err != nil {
		return Proof{}, false, err
	}
	return Proof{Root: stateRoot, LeafHash: res.Leaf.Hash(), Leaf: res.Leaf.Data, Bag: bag}, res.Found, nil
}

// --- ancestor chain proof -------------------------------------------------

// AncestorBlockProof proves that the block at position depth in chain
// (newest first) is a genuine ancestor of chain[0], by folding the chain
// into a linked list of cells (each linking to the previous block's
// cell) rather than a balanced tree — ancestry is inherently linear, and
// the proof shape says so.
func AncestorBlockProof(chain []types.BlockID, depth uint32) (Proof, error) {
	if len(chain) == 0 || int(depth) >= len(chain) {
		return Proof{}, archerr.Wrap(archerr.ErrProtocolViolation, "proof: ancestor depth out of range")
	}
	cells := map[types.Hash]*cell.Cell{}
	hashes := make([]types.Hash, len(chain))
	var prev types.Hash
	for i := len(chain) - 1; i >= 0; i-- {
		var refs []types.Hash
		if !prev.IsZero() {
			refs = []types.Hash{prev}
		}
		idBytes := chain[i].Bytes()
		c, err := cell.NewOrdinary(idBytes, uint16(len(idBytes)*8), refs)
		if err != nil {
			return Proof{}, err
		}
		cells[c.Hash()] = c
		prev = c.Hash()
		hashes[i] = c.Hash()
	}
	root := hashes[0]
	keep := map[types.Hash]bool{}
	for i := 0; i <= int(depth); i++ {
		keep[hashes[i]] = true
	}
	bag, err := BuildCellProof(root, memResolve(cells), keep)
	if err != nil {
		return Proof{}, err
	}
	target := hashes[depth]
	return Proof{Root: root, LeafHash: target, Leaf: chain[depth].Bytes(), Bag: bag}, nil
}

// --- account state proof ---------------------------------------------------

// AccountStateProof proves whether account is present in the
// ShardAccounts dictionary of the state rooted at stateRoot (§4.8
// scenario S2). The returned Proof is rooted at stateRoot itself, the
// block's real state root hash, not at the ShardAccounts sub-trie —
// BuildCellProof keeps the whole spine from stateRoot down to the
// account's leaf (or the branch where the lookup diverged) and prunes
// everything else, so Proof.Root is literally the root hash the caller
// already trusts.
func AccountStateProof(stateRoot types.Hash, account types.AccountID, resolve Resolve) (Proof, bool, error) {
	stateCell, err := resolve(stateRoot)
	if err != nil {
		return Proof{}, false, err
	}
	view := shardstate.Open(stateCell, shardstate.Resolve(resolve))
	shardAccountsRoot := view.ShardAccountsRoot()
	if shardAccountsRoot.IsZero() {
		return Proof{}, false, archerr.Wrap(archerr.ErrNotFound, "proof: no ShardAccounts dictionary in this state")
	}
	key := dict.Key(account[:])
	res, err := dict.Lookup(shardAccountsRoot, key, resolve)
	if err != nil {
		return Proof{}, false, err
	}
	keep := map[types.Hash]bool{stateRoot: true, shardAccountsRoot: true}
	for _, h := range res.Visited {
		keep[h] = true
	}
	bag, err := BuildCellProof(stateRoot, resolve, keep)
	if err != nil {
		return Proof{}, false, err
	}
	return Proof{Root: stateRoot, LeafHash: res.Leaf.Hash(), Leaf: res.Leaf.Data, Bag: bag}, res.Found, nil
}

// --- transaction proof -----------------------------------------------------

// maxTxChainWalk bounds how many hops TransactionProof will follow before
// giving up. It is independent of get_transactions, which caps its own
// walk at 16 transactions.
const maxTxChainWalk = 4096

// TransactionProof proves that a transaction cell with hash txHash is
// reachable from account's transaction chain within the state rooted at
// stateRoot: first a real ShardAccounts lookup for account, then a walk
// of that account's own stored transaction-cell linked list
// (internal/shardstate.NewTransaction) down to txHash.
func TransactionProof(stateRoot types.Hash, account types.AccountID, txHash types.Hash, resolve Resolve) (Proof, bool, error) {
	stateCell, err := resolve(stateRoot)
	if err != nil {
		return Proof{}, false, err
	}
	view := shardstate.Open(stateCell, shardstate.Resolve(resolve))
	shardAccountsRoot := view.ShardAccountsRoot()
	if shardAccountsRoot.IsZero() {
		return Proof{}, false, archerr.Wrap(archerr.ErrNotFound, "proof: no ShardAccounts dictionary in this state")
	}
	key := dict.Key(account[:])
	res, err := dict.Lookup(shardAccountsRoot, key, resolve)
	if err != nil {
		return Proof{}, false, err
	}
	keep := map[types.Hash]bool{stateRoot: true, shardAccountsRoot: true}
	for _, h := range res.Visited {
		keep[h] = true
	}
	if !res.Found {
		bag, err := BuildCellProof(stateRoot, resolve, keep)
		if err != nil {
			return Proof{}, false, err
		}
		return Proof{Root: stateRoot, LeafHash: res.Leaf.Hash(), Leaf: res.Leaf.Data, Bag: bag}, false, nil
	}

	entryHash := dict.LeafValue(res.Leaf)
	keep[entryHash] = true
	entryCell, err := resolve(entryHash)
	if err != nil {
		return Proof{}, false, err
	}
	entry := shardstate.ParseAccountEntry(entryCell)

	found := false
	cur := entry.TxChainHead
	var leafCell *cell.Cell
	for i := 0; !cur.IsZero() && i < maxTxChainWalk; i++ {
		keep[cur] = true
		c, err := resolve(cur)
		if err != nil {
			return Proof{}, false, err
		}
		if cur == txHash {
			found = true
			leafCell = c
			break
		}
		_, _, _, prev, hasPrev := shardstate.ParseTransaction(c)
		if !hasPrev {
			leafCell = c
			break
		}
		cur = prev
	}
	bag, err := BuildCellProof(stateRoot, resolve, keep)
	if err != nil {
		return Proof{}, false, err
	}
	if !found {
		if leafCell == nil {
			leafCell = entryCell
			cur = entryHash
		}
		return Proof{Root: stateRoot, LeafHash: cur, Leaf: leafCell.Data, Bag: bag}, false, nil
	}
	return Proof{Root: stateRoot, LeafHash: txHash, Leaf: leafCell.Data, Bag: bag}, true, nil
}
