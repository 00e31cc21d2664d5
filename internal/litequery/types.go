package litequery

import (
	"encoding/binary"

	"chainarchive/internal/types"
)

// MasterchainInfo answers get_masterchain_info[_ext] (§4.9).
type MasterchainInfo struct {
	Last       types.BlockID
	StateRoot  types.Hash
	Init       types.BlockID
	ServerTime uint32
}

// BlockHeader answers get_block_header: the handle's flags plus its
// linkage, without the block's full data payload.
type BlockHeader struct {
	ID       types.BlockID
	Prev     [2]types.BlockID
	Next     [2]types.BlockID
	KeyBlock bool
	UnixTime uint32
	LT       uint64
}

// AccountState answers get_account_state and get_account_state_prunned;
// both are served by the same GetAccountState call and carry the same
// fields.
type AccountState struct {
	Block   types.BlockID
	Account types.AccountID
	Exists  bool
	Data    []byte // serialized BoC of the account's state cell, empty if Exists is false
	ProofBoc []byte
}

// ShardInfo answers get_shard_info / get_all_shards_info (one entry per
// shard known as of a masterchain block).
type ShardInfo struct {
	Workchain int32
	Shard     uint64
	BlockID   types.BlockID
}

// TransactionRef names one transaction within an account's LT chain, the
// element type returned by get_transactions.
type TransactionRef struct {
	Account types.AccountID
	LT      uint64
	Hash    types.Hash
}

// BlockProofResult answers get_block_proof / get_shard_block_proof. When
// a complete chain was walked, Boc is the serialized header proof of the
// last link's destination and Valid reports whether every link passed
// VerifyChain; otherwise Boc is the stored proof blob of To. The
// individual links and their signature data are not included.
type BlockProofResult struct {
	From     types.BlockID
	To       types.BlockID
	Boc      []byte
	Valid    bool
	Complete bool // false if the key-block chain could not be walked all the way from From to To
}

// ConfigParams answers get_config_params: a subset of masterchain config
// parameter cells, keyed by their integer parameter index.
type ConfigParams struct {
	Block  types.BlockID
	Params map[int32][]byte
}

// LibraryResult answers get_libraries[_with_proof]: the raw library cell
// bytes per requested hash, omitted if unknown.
type LibraryResult struct {
	Found map[types.Hash][]byte
	Proof []byte
}

// ValidatorStats answers get_validator_stats: a page of validators as of
// a given masterchain seqno.
type ValidatorStats struct {
	Block      types.BlockID
	Validators []ValidatorStat
}

// ValidatorStat is one row of ValidatorStats.
type ValidatorStat struct {
	PubKey []byte
	Weight uint64
}

// OutMsgQueueSize answers get_out_msg_queue_sizes /
// get_block_out_msg_queue_size: a per-shard pending-message count.
type OutMsgQueueSize struct {
	Shard uint64
	Size  uint64
}

// DispatchQueueInfo answers get_dispatch_queue_info.
type DispatchQueueInfo struct {
	Shard       uint64
	AccountFrom types.AccountID
	AccountTo   types.AccountID
}

// DispatchQueueMessage is one element of get_dispatch_queue_messages.
type DispatchQueueMessage struct {
	Account types.AccountID
	LT      uint64
	Data    []byte
}

// RunSMCResult answers run_smc_method: the VM's exit code plus its
// serialized result stack.
type RunSMCResult struct {
	ExitCode int32
	Stack    []byte
}

// SendMessageResult answers send_message.
type SendMessageResult struct {
	Accepted bool
}

// TransactionsResult answers get_transactions (S3): the walked chain's
// cells as a multi-root BoC, newest first, plus the block id each
// transaction was found in.
type TransactionsResult struct {
	Refs   []TransactionRef
	Blocks []types.BlockID
	Boc    []byte
}

// BlockTransactionsPage answers list_block_transactions[_ext]: a bounded
// page of transaction references within one block, plus an opaque cursor
// for the next page (empty when exhausted).
type BlockTransactionsPage struct {
	Block  types.BlockID
	Items  []TransactionRef
	Cursor []byte
	Proof  []byte
}

func encodeBlockIDLeaf(id types.BlockID) []byte {
	b := id.Bytes()
	return append([]byte(nil), b...)
}

func encodeU32Leaf(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func hashBytes(h types.Hash) []byte {
	return append([]byte(nil), h[:]...)
}
