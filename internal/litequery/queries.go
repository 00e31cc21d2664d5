// This file implements the named operations of spec.md §4.9 as methods
// on Dispatcher. Every method follows the same shape: admit (rate limit
// + deadline + correlation id), do the work against rootdb/proof, and
// return a single response or a single error — partial results are
// never observable (§4.9 "Observable failure behavior").
package litequery

import (
	"context"
	"errors"
	"time"

	"chainarchive/internal/archerr"
	"chainarchive/internal/blockhandle"
	"chainarchive/internal/cell"
	"chainarchive/internal/dict"
	"chainarchive/internal/proof"
	"chainarchive/internal/shardstate"
	"chainarchive/internal/types"
)

// MethodRunner executes a single read-only get-method against a shard
// state root, satisfied by internal/litequery/vm.Runner. It is an
// interface (not a direct import of the vm package) so the dispatcher
// never depends on wasmer-go directly — only whatever concrete runner
// cmd/archived wires in does.
type MethodRunner interface {
	Run(ctx context.Context, state *cell.Cell, account types.AccountID, methodID int32, stack []byte) (RunSMCResult, error)
}

// GetMasterchainInfo answers get_masterchain_info / get_masterchain_info_ext
// (S1 of the worked examples): the last known masterchain block, its
// declared state root, and the init block the engine booted from.
func (d *Dispatcher) GetMasterchainInfo(ctx context.Context, lastSeqno uint32) (MasterchainInfo, error) {
	qctx, cancel, _, err := d.admit(ctx)
	if err != nil {
		return MasterchainInfo{}, err
	}
	defer cancel()

	last, err := d.root.GetBlockBySeqno(types.MasterchainShard, lastSeqno)
	if err != nil {
		return MasterchainInfo{}, archerr.Wrap(err, "litequery: get_masterchain_info")
	}
	select {
	case <-qctx.Done():
		return MasterchainInfo{}, archerr.Wrap(archerr.ErrTimeout, "litequery: get_masterchain_info")
	default:
	}

	h, err := d.root.GetBlockHandle(last)
	if err != nil {
		return MasterchainInfo{}, archerr.Wrap(err, "litequery: get_masterchain_info handle")
	}
	init, _, err := d.root.InitBlock()
	if err != nil {
		return MasterchainInfo{}, archerr.Wrap(err, "litequery: get_masterchain_info init block")
	}
	return MasterchainInfo{
		Last:       last,
		StateRoot:  h.StateRootHash(),
		Init:       init,
		ServerTime: uint32(time.Now().Unix()),
	}, nil
}

// GetBlockHeader answers get_block / get_block_header: the handle's
// linkage without the full data payload.
func (d *Dispatcher) GetBlockHeader(ctx context.Context, id types.BlockID) (BlockHeader, error) {
	_, cancel, _, err := d.admit(ctx)
	if err != nil {
		return BlockHeader{}, err
	}
	defer cancel()

	h, err := d.root.GetBlockHandle(id)
	if err != nil {
		return BlockHeader{}, archerr.Wrap(err, "litequery: get_block_header")
	}
	return blockHeaderFromHandle(h), nil
}

func blockHeaderFromHandle(h *blockhandle.Handle) BlockHeader {
	return BlockHeader{
		ID:       h.ID(),
		Prev:     h.Prev(),
		Next:     h.Next(),
		KeyBlock: h.KeyBlock(),
		UnixTime: uint32(h.UnixTime()),
		LT:       uint64(h.LogicalTime()),
	}
}

// GetBlockData answers get_block: the full data blob for id.
func (d *Dispatcher) GetBlockData(ctx context.Context, id types.BlockID) ([]byte, error) {
	_, cancel, _, err := d.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	h, err := d.root.GetBlockHandle(id)
	if err != nil {
		return nil, archerr.Wrap(err, "litequery: get_block")
	}
	return d.root.GetBlockData(h)
}

// LookupBlock answers lookup_block[_with_proof] (S4): resolve a block id
// by seqno, logical time, or unix time along one shard, optionally
// attaching a pruned-cell proof that the returned id's root hash is the
// one this header tree actually carries.
func (d *Dispatcher) LookupBlock(ctx context.Context, shard uint64, mode LookupKind, key uint64, withProof bool) (types.BlockID, proof.Proof, error) {
	_, cancel, _, err := d.admit(ctx)
	if err != nil {
		return types.BlockID{}, proof.Proof{}, err
	}
	defer cancel()

	var id types.BlockID
	switch mode {
	case LookupBySeqno:
		id, err = d.root.GetBlockBySeqno(shard, uint32(key))
	case LookupByLT:
		id, err = d.root.GetBlockByLT(shard, key)
	case LookupByUnixTime:
		id, err = d.root.GetBlockByUnixTime(shard, uint32(key))
	default:
		return types.BlockID{}, proof.Proof{}, archerr.Wrap(archerr.ErrProtocolViolation, "litequery: unknown lookup mode")
	}
	if err != nil {
		return types.BlockID{}, proof.Proof{}, archerr.Wrap(err, "litequery: lookup_block")
	}
	if !withProof {
		return id, proof.Proof{}, nil
	}
	h, err := d.root.GetBlockHandle(id)
	if err != nil {
		return id, proof.Proof{}, archerr.Wrap(err, "litequery: lookup_block proof handle")
	}
	p, err := proof.BlockHeaderProof(h, proof.HeaderFieldRootHash)
	return id, p, err
}

// LookupKind selects which field LookupBlock keys on.
type LookupKind int

const (
	LookupBySeqno LookupKind = iota
	LookupByLT
	LookupByUnixTime
)

// maxProofChainLinks bounds how many key-block hops get_block_proof will
// walk before reporting an incomplete chain (§8.7).
const maxProofChainLinks = 16

// LinkSignature is the out-of-band consensus data for one key-block hop:
// who signed the destination key block's root and with what aggregate
// signature. The archive engine never produces this itself — it only
// ever observes committed blocks after the fact — so GetBlockProof asks
// its caller for it one hop at a time as it discovers which hops the
// chain actually needs.
type LinkSignature struct {
	Signers      proof.ValidatorSet
	SignerIdx    []int
	AggregateSig []byte
	SignedMsg    []byte
}

// LinkSigner supplies the LinkSignature for one discovered hop.
type LinkSigner func(from, to types.BlockID) (LinkSignature, error)

func nextKeyBlockStep(h *blockhandle.Handle, forward bool) (types.BlockID, bool) {
	var id types.BlockID
	if forward {
		id = h.Next()[0]
	} else {
		id = h.Prev()[0]
	}
	return id, id != (types.BlockID{})
}

// GetBlockProof answers get_block_proof / get_shard_block_proof (S5): it
// walks the block-handle chain from from to to itself, one block at a
// time, collecting a proof link at every key block it passes through
// (bounded to maxProofChainLinks hops), rather than trusting a
// caller-supplied link list to already describe the right chain. Each
// link's validator-set signature still comes from sign, since that is
// consensus-layer data this archive-only engine never produces on its
// own.
func (d *Dispatcher) GetBlockProof(ctx context.Context, from, to types.BlockID, sign LinkSigner) (BlockProofResult, error) {
	_, cancel, _, err := d.admit(ctx)
	if err != nil {
		return BlockProofResult{}, err
	}
	defer cancel()

	fromH, err := d.root.GetBlockHandle(from)
	if err != nil {
		return BlockProofResult{}, archerr.Wrap(err, "litequery: get_block_proof from")
	}
	if !fromH.KeyBlock() {
		return BlockProofResult{}, archerr.Wrap(archerr.ErrProtocolViolation, "litequery: get_block_proof: from is not a key block")
	}
	toH, err := d.root.GetBlockHandle(to)
	if err != nil {
		return BlockProofResult{}, archerr.Wrap(err, "litequery: get_block_proof to")
	}
	if !toH.KeyBlock() {
		return BlockProofResult{}, archerr.Wrap(archerr.ErrProtocolViolation, "litequery: get_block_proof: to is not a key block")
	}

	forward := to.Seqno >= from.Seqno
	var links []proof.ProofChainLink
	cur, curID := fromH, from
	complete := curID == to
	for !complete && len(links) < maxProofChainLinks {
		nextID, ok := nextKeyBlockStep(cur, forward)
		if !ok {
			break
		}
		nextH, err := d.root.GetBlockHandle(nextID)
		if errors.Is(err, archerr.ErrNotFound) {
			break
		}
		if err != nil {
			return BlockProofResult{}, archerr.Wrap(err, "litequery: get_block_proof chain walk")
		}
		if !nextH.KeyBlock() {
			cur, curID = nextH, nextID
			continue
		}
		hp, err := proof.BlockHeaderProof(nextH, proof.HeaderFieldRootHash)
		if err != nil {
			return BlockProofResult{}, err
		}
		sig, err := sign(curID, nextID)
		if err != nil {
			return BlockProofResult{}, archerr.Wrap(err, "litequery: get_block_proof signature")
		}
		links = append(links, proof.ProofChainLink{
			From:         curID,
			To:           nextID,
			Dest:         proof.HeaderProof{Block: nextID, BlockProof: hp},
			Signers:      sig.Signers,
			SignerIdx:    sig.SignerIdx,
			AggregateSig: sig.AggregateSig,
			SignedMsg:    sig.SignedMsg,
		})
		cur, curID = nextH, nextID
		complete = curID == to
	}

	var valid bool
	var boc []byte
	if complete && len(links) > 0 {
		valid, err = proof.VerifyChain(links, from, to, 2, 3)
		if err != nil {
			return BlockProofResult{}, archerr.Wrap(err, "litequery: get_block_proof verify chain")
		}
		boc, err = links[len(links)-1].Dest.BlockProof.Serialize()
		if err != nil {
			return BlockProofResult{}, archerr.Wrap(err, "litequery: get_block_proof serialize")
		}
	} else if stored, err2 := d.root.GetBlockProof(toH); err2 == nil {
		boc = stored
	}
	if len(boc) == 0 && !valid {
		return BlockProofResult{}, archerr.Wrap(archerr.ErrNotFound, "litequery: get_block_proof")
	}
	return BlockProofResult{From: from, To: to, Boc: boc, Valid: valid, Complete: complete}, nil
}

// openState resolves block's handle and, if its state has been applied,
// the shardstate.View over its state root.
func (d *Dispatcher) openState(block types.BlockID) (*blockhandle.Handle, *shardstate.View, types.Hash, error) {
	h, err := d.root.GetBlockHandle(block)
	if err != nil {
		return nil, nil, types.Hash{}, err
	}
	if !h.StateInited() {
		return nil, nil, types.Hash{}, archerr.Wrap(archerr.ErrNotReady, "litequery: state not applied")
	}
	stateRoot := h.StateRootHash()
	stateCell, err := d.root.LoadCell(stateRoot)
	if err != nil {
		return nil, nil, types.Hash{}, err
	}
	return h, shardstate.Open(stateCell, d.root.LoadCell), stateRoot, nil
}

// latestStateForShard resolves the most recently applied block known for
// shard (the block nearest the largest possible logical time) and opens
// its state, the anchor the shard-scoped queries below use when their
// wire signature carries no explicit block argument.
func (d *Dispatcher) latestStateForShard(shard uint64) (types.BlockID, *shardstate.View, types.Hash, error) {
	id, err := d.root.GetBlockByLT(shard, ^uint64(0))
	if err != nil {
		return types.BlockID{}, nil, types.Hash{}, err
	}
	_, view, stateRoot, err := d.openState(id)
	if err != nil {
		return types.BlockID{}, nil, types.Hash{}, err
	}
	return id, view, stateRoot, nil
}

// GetAccountState answers get_account_state / get_account_state_prunned
// (S2): a real ShardAccounts dictionary lookup against the owning
// block's state root, returning a pruned-cell proof of presence or
// absence rooted at that state's own hash.
func (d *Dispatcher) GetAccountState(ctx context.Context, block types.BlockID, account types.AccountID) (AccountState, error) {
	_, cancel, _, err := d.admit(ctx)
	if err != nil {
		return AccountState{}, err
	}
	defer cancel()

	_, _, stateRoot, err := d.openState(block)
	if err != nil {
		return AccountState{}, archerr.Wrap(err, "litequery: get_account_state")
	}

	p, found, err := proof.AccountStateProof(stateRoot, account, d.root.LoadCell)
	if err != nil {
		return AccountState{}, archerr.Wrap(err, "litequery: get_account_state")
	}
	proofBoc, err := p.Serialize()
	if err != nil {
		return AccountState{}, archerr.Wrap(err, "litequery: get_account_state proof")
	}

	var data []byte
	if found {
		leafCell, err := d.root.LoadCell(p.LeafHash)
		if err != nil {
			return AccountState{}, archerr.Wrap(err, "litequery: get_account_state leaf")
		}
		entryCell, err := d.root.LoadCell(dict.LeafValue(leafCell))
		if err != nil {
			return AccountState{}, archerr.Wrap(err, "litequery: get_account_state entry")
		}
		entry := shardstate.ParseAccountEntry(entryCell)
		bag, err := cell.NewBag([]types.Hash{entry.StateCell}, d.root.LoadCell)
		if err != nil {
			return AccountState{}, archerr.Wrap(err, "litequery: get_account_state data")
		}
		data, err = bag.Serialize()
		if err != nil {
			return AccountState{}, archerr.Wrap(err, "litequery: get_account_state data")
		}
	}
	return AccountState{Block: block, Account: account, Exists: found, Data: data, ProofBoc: proofBoc}, nil
}

// RunSMCMethod answers run_smc_method, delegating the actual sandboxed
// execution to internal/litequery/vm.
func (d *Dispatcher) RunSMCMethod(ctx context.Context, block types.BlockID, account types.AccountID, methodID int32, stack []byte, runner MethodRunner) (RunSMCResult, error) {
	qctx, cancel, key, err := d.admit(ctx)
	if err != nil {
		return RunSMCResult{}, err
	}
	defer cancel()

	ck := cacheKey(encodeBlockIDLeaf(block), account[:], encodeU32Leaf(uint32(methodID)), stack)
	if cached, ok := d.cache.get(ck); ok {
		return RunSMCResult{ExitCode: 0, Stack: cached}, nil
	}

	state, err := d.root.GetShardState(block)
	if err != nil {
		return RunSMCResult{}, archerr.Wrapf(err, "litequery: run_smc_method %s", key)
	}
	res, err := runner.Run(qctx, state, account, methodID, stack)
	if err != nil {
		return RunSMCResult{}, archerr.Wrap(err, "litequery: run_smc_method")
	}
	if res.ExitCode == 0 {
		d.cache.put(ck, res.Stack)
	}
	return res, nil
}

// GetConfigParams answers get_config_params: a real lookup of each
// requested parameter index against the state's masterchain config
// dictionary.
func (d *Dispatcher) GetConfigParams(ctx context.Context, block types.BlockID, indices []int32) (ConfigParams, error) {
	_, cancel, _, err := d.admit(ctx)
	if err != nil {
		return ConfigParams{}, err
	}
	defer cancel()

	_, view, _, err := d.openState(block)
	if err != nil {
		return ConfigParams{}, archerr.Wrap(err, "litequery: get_config_params")
	}
	configRoot, err := view.ConfigRoot()
	if err != nil {
		return ConfigParams{}, archerr.Wrap(err, "litequery: get_config_params")
	}
	params := map[int32][]byte{}
	if !configRoot.IsZero() {
		for _, idx := range indices {
			res, err := dict.Lookup(configRoot, dict.Key(encodeU32Leaf(uint32(idx))), d.root.LoadCell)
			if err != nil {
				return ConfigParams{}, archerr.Wrap(err, "litequery: get_config_params")
			}
			if !res.Found {
				continue
			}
			valCell, err := d.root.LoadCell(dict.LeafValue(res.Leaf))
			if err != nil {
				return ConfigParams{}, archerr.Wrap(err, "litequery: get_config_params value")
			}
			params[idx] = valCell.Data
		}
	}
	return ConfigParams{Block: block, Params: params}, nil
}

// GetTransactions answers get_transactions (S3): walks an account's
// transaction chain backwards from (lt, hash) for up to count steps
// (capped at 16), resolving each hop's prev_trans_lt/prev_trans_hash
// directly from the transaction cell's own bytes
// (internal/shardstate.ParseTransaction) instead of through an injected
// collaborator. A resolve error aborts the whole call — a partially
// walked chain is never returned as a success (§4.9 "Observable failure
// behavior"); running off the end of the chain is not an error, it just
// stops the walk early.
func (d *Dispatcher) GetTransactions(ctx context.Context, account types.AccountID, lt uint64, hash types.Hash, count int) (TransactionsResult, error) {
	qctx, cancel, _, err := d.admit(ctx)
	if err != nil {
		return TransactionsResult{}, err
	}
	defer cancel()

	if count <= 0 || count > 16 {
		count = 16
	}

	var refs []TransactionRef
	var blocks []types.BlockID
	var roots []types.Hash
	curHash := hash
	for i := 0; i < count && !curHash.IsZero(); i++ {
		select {
		case <-qctx.Done():
			return TransactionsResult{}, archerr.Wrap(archerr.ErrTimeout, "litequery: get_transactions")
		default:
		}
		c, err := d.root.LoadCell(curHash)
		if err != nil {
			return TransactionsResult{}, archerr.Wrap(err, "litequery: get_transactions")
		}
		txLT, block, _, prev, hasPrev := shardstate.ParseTransaction(c)
		if i == 0 && txLT != lt {
			return TransactionsResult{}, archerr.Wrap(archerr.ErrProtocolViolation, "litequery: get_transactions: lt does not match hash")
		}
		refs = append(refs, TransactionRef{Account: account, LT: txLT, Hash: curHash})
		blocks = append(blocks, block)
		roots = append(roots, curHash)
		if !hasPrev {
			break
		}
		curHash = prev
	}

	bag, err := cell.NewBag(roots, d.root.LoadCell)
	if err != nil {
		return TransactionsResult{}, archerr.Wrap(err, "litequery: get_transactions boc")
	}
	boc, err := bag.Serialize()
	if err != nil {
		return TransactionsResult{}, archerr.Wrap(err, "litequery: get_transactions boc")
	}
	return TransactionsResult{Refs: refs, Blocks: blocks, Boc: boc}, nil
}

// ListBlockTransactions answers list_block_transactions[_ext]: a paged
// walk of a block's ShardAccounts dictionary, reporting each account's
// most recent transaction as of that state, with a pruned-cell proof
// over every path the page actually touched.
func (d *Dispatcher) ListBlockTransactions(ctx context.Context, block types.BlockID, cursor []byte, limit int) (BlockTransactionsPage, error) {
	_, cancel, _, err := d.admit(ctx)
	if err != nil {
		return BlockTransactionsPage{}, err
	}
	defer cancel()

	_, view, stateRoot, err := d.openState(block)
	if err != nil {
		return BlockTransactionsPage{}, archerr.Wrap(err, "litequery: list_block_transactions")
	}
	shardAccountsRoot := view.ShardAccountsRoot()
	if shardAccountsRoot.IsZero() {
		return BlockTransactionsPage{Block: block}, nil
	}
	if limit <= 0 || limit > 256 {
		limit = 256
	}
	var after *[32]byte
	if len(cursor) == 32 {
		var a [32]byte
		copy(a[:], cursor)
		after = &a
	}

	keep := map[types.Hash]bool{stateRoot: true, shardAccountsRoot: true}
	var items []TransactionRef
	var nextCursor []byte
	var walkErr error
	err = dict.Walk(shardAccountsRoot, after, d.root.LoadCell, func(leaf *cell.Cell) bool {
		if len(items) >= limit {
			// Walk resumes strictly after the cursor, so hand back the
			// last returned key, not this unreturned one.
			last := items[len(items)-1].Account
			nextCursor = append([]byte(nil), last[:]...)
			return false
		}
		keep[leaf.Hash()] = true
		entryCell, e := d.root.LoadCell(dict.LeafValue(leaf))
		if e != nil {
			walkErr = e
			return false
		}
		keep[entryCell.Hash()] = true
		entry := shardstate.ParseAccountEntry(entryCell)
		if !entry.TxChainHead.IsZero() {
			keep[entry.TxChainHead] = true
			txCell, e := d.root.LoadCell(entry.TxChainHead)
			if e != nil {
				walkErr = e
				return false
			}
			txLT, _, _, _, _ := shardstate.ParseTransaction(txCell)
			var acct types.AccountID
			key := dict.LeafKey(leaf)
			copy(acct[:], key[:])
			items = append(items, TransactionRef{Account: acct, LT: txLT, Hash: entry.TxChainHead})
		}
		return true
	})
	if err != nil {
		return BlockTransactionsPage{}, archerr.Wrap(err, "litequery: list_block_transactions walk")
	}
	if walkErr != nil {
		return BlockTransactionsPage{}, archerr.Wrap(walkErr, "litequery: list_block_transactions")
	}

	bag, err := proof.BuildCellProof(stateRoot, d.root.LoadCell, keep)
	if err != nil {
		return BlockTransactionsPage{}, archerr.Wrap(err, "litequery: list_block_transactions proof")
	}
	proofBytes, err := bag.Serialize()
	if err != nil {
		return BlockTransactionsPage{}, archerr.Wrap(err, "litequery: list_block_transactions proof")
	}
	return BlockTransactionsPage{Block: block, Items: items, Cursor: nextCursor, Proof: proofBytes}, nil
}

// GetShardInfo answers get_shard_info / get_all_shards_info: a full walk
// of the state's shard-hashes dictionary, decoding each entry's
// (workchain, shard) key directly rather than needing a separate index.
func (d *Dispatcher) GetShardInfo(ctx context.Context, block types.BlockID) ([]ShardInfo, error) {
	_, cancel, _, err := d.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	_, view, _, err := d.openState(block)
	if err != nil {
		return nil, archerr.Wrap(err, "litequery: get_shard_info")
	}
	shardHashesRoot, err := view.ShardHashesRoot()
	if err != nil {
		return nil, archerr.Wrap(err, "litequery: get_shard_info")
	}
	if shardHashesRoot.IsZero() {
		return nil, nil
	}
	var infos []ShardInfo
	var walkErr error
	err = dict.Walk(shardHashesRoot, nil, d.root.LoadCell, func(leaf *cell.Cell) bool {
		workchain, shard := shardstate.ParseShardHashKey(dict.LeafKey(leaf))
		info := ShardInfo{Workchain: workchain, Shard: shard}
		if valHash := dict.LeafValue(leaf); !valHash.IsZero() {
			valCell, e := d.root.LoadCell(valHash)
			if e != nil {
				walkErr = e
				return false
			}
			if id, e := types.ParseBlockIDBytes(valCell.Data); e == nil {
				info.BlockID = id
			}
		}
		infos = append(infos, info)
		return true
	})
	if err != nil {
		return nil, archerr.Wrap(err, "litequery: get_shard_info walk")
	}
	if walkErr != nil {
		return nil, archerr.Wrap(walkErr, "litequery: get_shard_info")
	}
	return infos, nil
}

// GetLibraries answers get_libraries[_with_proof]: a real lookup of each
// requested hash against the latest masterchain state's global-libraries
// dictionary, keyed directly by the library's own hash.
func (d *Dispatcher) GetLibraries(ctx context.Context, hashes []types.Hash) (LibraryResult, error) {
	_, cancel, _, err := d.admit(ctx)
	if err != nil {
		return LibraryResult{}, err
	}
	defer cancel()

	_, view, stateRoot, err := d.latestStateForShard(types.MasterchainShard)
	if err != nil {
		if errors.Is(err, archerr.ErrNotFound) {
			return LibraryResult{Found: map[types.Hash][]byte{}}, nil
		}
		return LibraryResult{}, archerr.Wrap(err, "litequery: get_libraries")
	}
	librariesRoot, err := view.LibrariesRoot()
	if err != nil {
		return LibraryResult{}, archerr.Wrap(err, "litequery: get_libraries")
	}
	found := map[types.Hash][]byte{}
	keep := map[types.Hash]bool{stateRoot: true}
	if !librariesRoot.IsZero() {
		keep[librariesRoot] = true
		for _, hv := range hashes {
			res, err := dict.Lookup(librariesRoot, dict.Key(hv[:]), d.root.LoadCell)
			if err != nil {
				return LibraryResult{}, archerr.Wrap(err, "litequery: get_libraries")
			}
			for _, v := range res.Visited {
				keep[v] = true
			}
			if res.Found {
				valCell, err := d.root.LoadCell(dict.LeafValue(res.Leaf))
				if err != nil {
					return LibraryResult{}, archerr.Wrap(err, "litequery: get_libraries value")
				}
				found[hv] = valCell.Data
			}
		}
	}
	bag, err := proof.BuildCellProof(stateRoot, d.root.LoadCell, keep)
	if err != nil {
		return LibraryResult{}, archerr.Wrap(err, "litequery: get_libraries proof")
	}
	proofBytes, err := bag.Serialize()
	if err != nil {
		return LibraryResult{}, archerr.Wrap(err, "litequery: get_libraries proof")
	}
	return LibraryResult{Found: found, Proof: proofBytes}, nil
}

// GetValidatorStats answers get_validator_stats: a bounded walk of the
// state's per-validator creator-stats dictionary as of block.
func (d *Dispatcher) GetValidatorStats(ctx context.Context, block types.BlockID, limit int) (ValidatorStats, error) {
	_, cancel, _, err := d.admit(ctx)
	if err != nil {
		return ValidatorStats{}, err
	}
	defer cancel()

	_, view, _, err := d.openState(block)
	if err != nil {
		return ValidatorStats{}, archerr.Wrap(err, "litequery: get_validator_stats")
	}
	statsRoot, err := view.ValidatorStatsRoot()
	if err != nil {
		return ValidatorStats{}, archerr.Wrap(err, "litequery: get_validator_stats")
	}
	if limit <= 0 || limit > 1024 {
		limit = 1024
	}
	var stats []ValidatorStat
	var walkErr error
	if !statsRoot.IsZero() {
		err = dict.Walk(statsRoot, nil, d.root.LoadCell, func(leaf *cell.Cell) bool {
			if len(stats) >= limit {
				return false
			}
			valCell, e := d.root.LoadCell(dict.LeafValue(leaf))
			if e != nil {
				walkErr = e
				return false
			}
			if len(valCell.Data) < 8 {
				return true
			}
			weight := types.GetUint64(valCell.Data[:8])
			pubKey := append([]byte(nil), valCell.Data[8:]...)
			stats = append(stats, ValidatorStat{PubKey: pubKey, Weight: weight})
			return true
		})
		if err != nil {
			return ValidatorStats{}, archerr.Wrap(err, "litequery: get_validator_stats walk")
		}
	}
	if walkErr != nil {
		return ValidatorStats{}, archerr.Wrap(walkErr, "litequery: get_validator_stats")
	}
	return ValidatorStats{Block: block, Validators: stats}, nil
}

// GetOutMsgQueueSizes answers get_out_msg_queue_sizes /
// get_block_out_msg_queue_size: the masterchain's own out-msg queue
// entry count as of its latest applied state. A node's out-msg queue is
// collator-side mutable state keyed per shard; this archive only ever
// sees whatever queue dictionary the collator folded into a state root
// it was handed, so it can only report sizes for the shards it actually
// has state for, starting with the masterchain.
func (d *Dispatcher) GetOutMsgQueueSizes(ctx context.Context) ([]OutMsgQueueSize, error) {
	_, cancel, _, err := d.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	_, view, _, err := d.latestStateForShard(types.MasterchainShard)
	if err != nil {
		if errors.Is(err, archerr.ErrNotFound) {
			return nil, nil
		}
		return nil, archerr.Wrap(err, "litequery: get_out_msg_queue_sizes")
	}
	queueRoot := view.OutMsgQueueRoot()
	if queueRoot.IsZero() {
		return []OutMsgQueueSize{{Shard: types.MasterchainShard, Size: 0}}, nil
	}
	var size uint64
	var walkErr error
	err = dict.Walk(queueRoot, nil, d.root.LoadCell, func(*cell.Cell) bool {
		size++
		return true
	})
	if err != nil {
		return nil, archerr.Wrap(err, "litequery: get_out_msg_queue_sizes walk")
	}
	if walkErr != nil {
		return nil, archerr.Wrap(walkErr, "litequery: get_out_msg_queue_sizes")
	}
	return []OutMsgQueueSize{{Shard: types.MasterchainShard, Size: size}}, nil
}

// GetDispatchQueueInfo answers get_dispatch_queue_info for shard: the
// account-key range currently present in that shard's latest dispatch
// queue.
func (d *Dispatcher) GetDispatchQueueInfo(ctx context.Context, shard uint64) (DispatchQueueInfo, error) {
	_, cancel, _, err := d.admit(ctx)
	if err != nil {
		return DispatchQueueInfo{}, err
	}
	defer cancel()

	_, view, _, err := d.latestStateForShard(shard)
	if err != nil {
		if errors.Is(err, archerr.ErrNotFound) {
			return DispatchQueueInfo{Shard: shard}, nil
		}
		return DispatchQueueInfo{}, archerr.Wrap(err, "litequery: get_dispatch_queue_info")
	}
	info := DispatchQueueInfo{Shard: shard}
	root := view.DispatchQueueRoot()
	if root.IsZero() {
		return info, nil
	}
	first := true
	if err := dict.Walk(root, nil, d.root.LoadCell, func(leaf *cell.Cell) bool {
		key := dict.LeafKey(leaf)
		var acct types.AccountID
		copy(acct[:], key[:])
		if first {
			info.AccountFrom = acct
			first = false
		}
		info.AccountTo = acct
		return true
	}); err != nil {
		return DispatchQueueInfo{}, archerr.Wrap(err, "litequery: get_dispatch_queue_info walk")
	}
	return info, nil
}

// GetDispatchQueueMessages answers get_dispatch_queue_messages: a
// cursor-paged walk of shard's dispatch queue starting just after
// account.
func (d *Dispatcher) GetDispatchQueueMessages(ctx context.Context, shard uint64, account types.AccountID, limit int) ([]DispatchQueueMessage, error) {
	_, cancel, _, err := d.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	if limit <= 0 || limit > 256 {
		limit = 256
	}
	_, view, _, err := d.latestStateForShard(shard)
	if err != nil {
		if errors.Is(err, archerr.ErrNotFound) {
			return nil, nil
		}
		return nil, archerr.Wrap(err, "litequery: get_dispatch_queue_messages")
	}
	root := view.DispatchQueueRoot()
	if root.IsZero() {
		return nil, nil
	}
	after := dict.Key(account[:])
	var msgs []DispatchQueueMessage
	var walkErr error
	err = dict.Walk(root, &after, d.root.LoadCell, func(leaf *cell.Cell) bool {
		if len(msgs) >= limit {
			return false
		}
		valHash := dict.LeafValue(leaf)
		if valHash.IsZero() {
			return true
		}
		valCell, e := d.root.LoadCell(valHash)
		if e != nil {
			walkErr = e
			return false
		}
		txLT, _, payload, _, _ := shardstate.ParseTransaction(valCell)
		var acct types.AccountID
		key := dict.LeafKey(leaf)
		copy(acct[:], key[:])
		msgs = append(msgs, DispatchQueueMessage{Account: acct, LT: txLT, Data: payload})
		return true
	})
	if err != nil {
		return nil, archerr.Wrap(err, "litequery: get_dispatch_queue_messages walk")
	}
	if walkErr != nil {
		return nil, archerr.Wrap(walkErr, "litequery: get_dispatch_queue_messages")
	}
	return msgs, nil
}

// SendMessage answers send_message. This archive engine has no link to
// the external collaborator that accepts and forwards messages into
// consensus (it only ever observes committed blocks after the fact), so
// it reports every message as rejected rather than silently accepting
// something it cannot actually forward.
func (d *Dispatcher) SendMessage(ctx context.Context, body []byte) (SendMessageResult, error) {
	_, cancel, _, err := d.admit(ctx)
	if err != nil {
		return SendMessageResult{}, err
	}
	defer cancel()
	return SendMessageResult{Accepted: false}, archerr.Wrap(archerr.ErrUnavailable, "litequery: send_message: no collator link from an archive-only node")
}
