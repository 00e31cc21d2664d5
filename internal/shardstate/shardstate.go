// Package shardstate gives the shard-state root cell that
// internal/rootdb.ApplyBlock stores a concrete internal shape: a fixed
// four-slot layout over the dictionaries §4.9's lite-query surface
// actually walks (ShardAccounts, masterchain config, shard-hashes,
// validator-stats, global-libraries, the out-msg queue, the dispatch
// queue), so those queries have real cells to look things up in instead
// of an opaque blob.
//
// Grounded on internal/cell's cell DAG and internal/dict's binary trie;
// the slot layout itself generalizes TON's per-shard-state Hashmap
// fields (accounts, out_msg_queue, mc-extra-held config/shard-hashes/
// validator-stats/libraries, dispatch_queue) into this engine's own
// fixed-ref-count cell encoding.
package shardstate

import (
	"chainarchive/internal/archerr"
	"chainarchive/internal/cell"
	"chainarchive/internal/types"
)

// Resolve looks up a cell by hash, satisfied by rootdb.RootDB.LoadCell.
type Resolve func(types.Hash) (*cell.Cell, error)

// Slot indices within a state root's Refs.
const (
	SlotShardAccounts = 0
	SlotExtra         = 1
	SlotOutMsgQueue   = 2
	SlotDispatchQueue = 3
)

// Slot indices within the Extra cell's own Refs.
const (
	ExtraSlotConfig         = 0
	ExtraSlotShardHashes    = 1
	ExtraSlotValidatorStats = 2
	ExtraSlotLibraries      = 3
)

// View parses a stored state root's four top-level slots on demand; it
// never assumes every slot is present, since a block can be applied
// without every dictionary populated (e.g. a non-masterchain shard has no
// config/shard-hashes/validator-stats/libraries dictionary at all).
type View struct {
	Root    *cell.Cell
	Resolve Resolve
}

// Open wraps a resolved state root cell for slot access.
func Open(root *cell.Cell, resolve Resolve) *View {
	return &View{Root: root, Resolve: resolve}
}

func (v *View) slot(i int) types.Hash {
	if i >= len(v.Root.Refs) {
		return types.Hash{}
	}
	return v.Root.Refs[i]
}

// ShardAccountsRoot is the account->[] state dictionary's root hash.
func (v *View) ShardAccountsRoot() types.Hash { return v.slot(SlotShardAccounts) }

// OutMsgQueueRoot is the account->queued-message dictionary's root hash.
func (v *View) OutMsgQueueRoot() types.Hash { return v.slot(SlotOutMsgQueue) }

// DispatchQueueRoot is the account->dispatch-entry dictionary's root hash.
func (v *View) DispatchQueueRoot() types.Hash { return v.slot(SlotDispatchQueue) }

func (v *View) extra() (*cell.Cell, error) {
	h := v.slot(SlotExtra)
	if h.IsZero() {
		return nil, nil
	}
	return v.Resolve(h)
}

func (v *View) extraSlot(i int) (types.Hash, error) {
	e, err := v.extra()
	if err != nil {
		return types.Hash{}, err
	}
	if e == nil || i >= len(e.Refs) {
		return types.Hash{}, nil
	}
	return e.Refs[i], nil
}

// ConfigRoot is the masterchain config-parameter dictionary's root hash.
func (v *View) ConfigRoot() (types.Hash, error) { return v.extraSlot(ExtraSlotConfig) }

// ShardHashesRoot is the shard-description dictionary's root hash.
func (v *View) ShardHashesRoot() (types.Hash, error) { return v.extraSlot(ExtraSlotShardHashes) }

// ValidatorStatsRoot is the per-validator creator-stats dictionary's root
// hash.
func (v *View) ValidatorStatsRoot() (types.Hash, error) { return v.extraSlot(ExtraSlotValidatorStats) }

// LibrariesRoot is the global-libraries dictionary's root hash.
func (v *View) LibrariesRoot() (types.Hash, error) { return v.extraSlot(ExtraSlotLibraries) }

// AccountEntry is the value a ShardAccounts leaf points at: the
// account's own state cell plus, folded in rather than given a fifth
// top-level slot, the head of that account's transaction chain (§4.9
// get_transactions / list_block_transactions walk this without a
// separate account_blocks dictionary).
type AccountEntry struct {
	StateCell   types.Hash
	TxChainHead types.Hash // zero if the account has no recorded transaction
}

// NewAccountEntry builds the value cell a ShardAccounts leaf's ref points
// at.
func NewAccountEntry(e AccountEntry) (*cell.Cell, error) {
	var refs []types.Hash
	refs = append(refs, e.StateCell)
	if !e.TxChainHead.IsZero() {
		refs = append(refs, e.TxChainHead)
	}
	return cell.NewOrdinary(nil, 0, refs)
}

// ParseAccountEntry reverses NewAccountEntry.
func ParseAccountEntry(c *cell.Cell) AccountEntry {
	var e AccountEntry
	if len(c.Refs) > 0 {
		e.StateCell = c.Refs[0]
	}
	if len(c.Refs) > 1 {
		e.TxChainHead = c.Refs[1]
	}
	return e
}

// transactionHeaderLen is lt(8) + the owning block id's fixed 80-byte
// encoding, carried on every transaction cell so get_transactions can
// report which block each hop came from without a separate index.
const transactionHeaderLen = 8 + 80

// NewTransaction builds one link of an account's transaction chain: lt,
// the block it was committed in, and the transaction's own payload
// bytes, with an optional ref to the previous transaction cell. This is
// the shape internal/litequery reads directly off the cell store to
// resolve get_transactions' prev-link (§4.9 S3) without any injected
// collaborator.
func NewTransaction(lt uint64, block types.BlockID, payload []byte, prev types.Hash) (*cell.Cell, error) {
	data := make([]byte, transactionHeaderLen+len(payload))
	types.PutUint64(data[:8], lt)
	copy(data[8:transactionHeaderLen], block.Bytes())
	copy(data[transactionHeaderLen:], payload)
	var refs []types.Hash
	if !prev.IsZero() {
		refs = []types.Hash{prev}
	}
	return cell.NewOrdinary(data, uint16(len(data)*8), refs)
}

// ParseTransaction reverses NewTransaction's lt/block/payload/prev
// encoding.
func ParseTransaction(c *cell.Cell) (lt uint64, block types.BlockID, payload []byte, prev types.Hash, hasPrev bool) {
	if len(c.Data) < transactionHeaderLen {
		return 0, types.BlockID{}, nil, types.Hash{}, false
	}
	lt = types.GetUint64(c.Data[:8])
	block, _ = types.ParseBlockIDBytes(c.Data[8:transactionHeaderLen])
	payload = c.Data[transactionHeaderLen:]
	if len(c.Refs) > 0 {
		return lt, block, payload, c.Refs[0], true
	}
	return lt, block, payload, types.Hash{}, false
}

// ShardHashKey builds the shard-hashes dictionary key for (workchain,
// shard): workchain and shard packed into the low 12 bytes of an
// otherwise zero 32-byte key. Unlike dict.Key's usual sha256 folding,
// this key is already 32 bytes so dict.Key passes it through unchanged —
// deliberately, so a dictionary walk can recover the shard it came from
// directly from the key instead of only being able to test one key at a
// time.
func ShardHashKey(workchain int32, shard uint64) [32]byte {
	var k [32]byte
	types.PutUint32(k[0:4], uint32(workchain))
	types.PutUint64(k[4:12], shard)
	return k
}

// ParseShardHashKey reverses ShardHashKey.
func ParseShardHashKey(key [32]byte) (workchain int32, shard uint64) {
	workchain = int32(types.GetUint32(key[0:4]))
	shard = types.GetUint64(key[4:12])
	return workchain, shard
}

// Build assembles a full state root cell from its seven dictionaries. Any
// dict root may be the result of dict.Empty() when a shard carries no
// entries for that slot (e.g. a non-masterchain shard's config/
// shard-hashes/validator-stats/libraries dictionaries).
func Build(shardAccounts, config, shardHashes, validatorStats, libraries, outMsgQueue, dispatchQueue *cell.Cell) (*cell.Cell, map[types.Hash]*cell.Cell, error) {
	if shardAccounts == nil || config == nil || shardHashes == nil || validatorStats == nil || libraries == nil || outMsgQueue == nil || dispatchQueue == nil {
		return nil, nil, archerr.Wrap(archerr.ErrProtocolViolation, "shardstate: build requires every dictionary root, use dict.Empty() for an unpopulated one")
	}
	extra, err := cell.NewOrdinary(nil, 0, []types.Hash{config.Hash(), shardHashes.Hash(), validatorStats.Hash(), libraries.Hash()})
	if err != nil {
		return nil, nil, err
	}
	root, err := cell.NewOrdinary(nil, 0, []types.Hash{shardAccounts.Hash(), extra.Hash(), outMsgQueue.Hash(), dispatchQueue.Hash()})
	if err != nil {
		return nil, nil, err
	}
	fresh := map[types.Hash]*cell.Cell{
		shardAccounts.Hash():   shardAccounts,
		config.Hash():          config,
		shardHashes.Hash():     shardHashes,
		validatorStats.Hash():  validatorStats,
		libraries.Hash():       libraries,
		outMsgQueue.Hash():     outMsgQueue,
		dispatchQueue.Hash():   dispatchQueue,
		extra.Hash():           extra,
		root.Hash():            root,
	}
	return root, fresh, nil
}
