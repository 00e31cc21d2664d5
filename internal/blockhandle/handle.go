// Package blockhandle implements the mutable, versioned block descriptor of
// §3/§4.6: an in-memory record of everything known about a block id, with a
// monotonically versioned flush protocol so a reader that observes a bit is
// durable can trust it once the writer has awaited flush completion.
//
// Handle bytes are RLP-encoded (github.com/ethereum/go-ethereum/rlp), the
// same wire format core/ledger.go already reaches for when it needs a
// compact, self-describing binary encoding outside of its JSON WAL path.
package blockhandle

import (
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"chainarchive/internal/archerr"
	"chainarchive/internal/types"
)

// Handle is the mutable descriptor for one known block id (§3 "BlockHandle").
type Handle struct {
	mu sync.Mutex

	id types.BlockID

	applied          bool
	received         bool
	proofInited      bool
	proofLinkInited  bool
	signaturesInited bool
	stateInited      bool
	stateDeleted     bool
	keyBlock         bool

	prev [2]types.BlockID
	next [2]types.BlockID

	masterchainRefSeqno uint32
	unixTime            types.UnixTime
	logicalTime         types.LogicalTime

	stateGenUtime  types.UnixTime
	stateRootHash  types.Hash

	version     uint64
	flushedUpto uint64
}

// New creates a fresh, all-zero handle for id — "created on first
// observation of a block id" (§3 "Lifecycle").
func New(id types.BlockID) *Handle {
	return &Handle{id: id}
}

func (h *Handle) ID() types.BlockID { return h.id }

// NeedFlush reports whether any mutation is unpersisted.
func (h *Handle) NeedFlush() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version > h.flushedUpto
}

// --- read accessors -----------------------------------------------------

func (h *Handle) Applied() bool          { h.mu.Lock(); defer h.mu.Unlock(); return h.applied }
func (h *Handle) Received() bool         { h.mu.Lock(); defer h.mu.Unlock(); return h.received }
func (h *Handle) ProofInited() bool      { h.mu.Lock(); defer h.mu.Unlock(); return h.proofInited }
func (h *Handle) ProofLinkInited() bool  { h.mu.Lock(); defer h.mu.Unlock(); return h.proofLinkInited }
func (h *Handle) SignaturesInited() bool { h.mu.Lock(); defer h.mu.Unlock(); return h.signaturesInited }
func (h *Handle) StateInited() bool      { h.mu.Lock(); defer h.mu.Unlock(); return h.stateInited }
func (h *Handle) StateDeleted() bool     { h.mu.Lock(); defer h.mu.Unlock(); return h.stateDeleted }
func (h *Handle) KeyBlock() bool         { h.mu.Lock(); defer h.mu.Unlock(); return h.keyBlock }
func (h *Handle) MasterchainRefSeqno() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.masterchainRefSeqno
}
func (h *Handle) UnixTime() types.UnixTime       { h.mu.Lock(); defer h.mu.Unlock(); return h.unixTime }
func (h *Handle) LogicalTime() types.LogicalTime { h.mu.Lock(); defer h.mu.Unlock(); return h.logicalTime }
func (h *Handle) StateRootHash() types.Hash      { h.mu.Lock(); defer h.mu.Unlock(); return h.stateRootHash }
func (h *Handle) StateGenUtime() types.UnixTime  { h.mu.Lock(); defer h.mu.Unlock(); return h.stateGenUtime }
func (h *Handle) Prev() [2]types.BlockID         { h.mu.Lock(); defer h.mu.Unlock(); return h.prev }
func (h *Handle) Next() [2]types.BlockID         { h.mu.Lock(); defer h.mu.Unlock(); return h.next }

// --- setters: every one stamps version++ --------------------------------

func (h *Handle) bump() { h.version++ }

func (h *Handle) SetApplied(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.applied != v {
		h.applied = v
		h.bump()
	}
}

func (h *Handle) SetReceived(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.received != v {
		h.received = v
		h.bump()
	}
}

func (h *Handle) SetProofInited(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proofInited != v {
		h.proofInited = v
		h.bump()
	}
}

func (h *Handle) SetProofLinkInited(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proofLinkInited != v {
		h.proofLinkInited = v
		h.bump()
	}
}

func (h *Handle) SetSignaturesInited(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.signaturesInited != v {
		h.signaturesInited = v
		h.bump()
	}
}

// SetStateInited records that the post-state for this block has been
// computed/loaded, along with the state's root hash and generation time.
func (h *Handle) SetStateInited(root types.Hash, genUtime types.UnixTime) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stateInited = true
	h.stateRootHash = root
	h.stateGenUtime = genUtime
	h.bump()
}

// SetStateDeleted marks the state as GC'd. §5's ordering invariant requires
// this to be flushed before the owning cell-store root is removed.
func (h *Handle) SetStateDeleted(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stateDeleted != v {
		h.stateDeleted = v
		h.bump()
	}
}

func (h *Handle) SetKeyBlock(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.keyBlock != v {
		h.keyBlock = v
		h.bump()
	}
}

func (h *Handle) SetMasterchainRefSeqno(seqno uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.masterchainRefSeqno != seqno {
		h.masterchainRefSeqno = seqno
		h.bump()
	}
}

func (h *Handle) SetTimes(unixTime types.UnixTime, lt types.LogicalTime) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unixTime != unixTime || h.logicalTime != lt {
		h.unixTime = unixTime
		h.logicalTime = lt
		h.bump()
	}
}

func (h *Handle) SetPrev(i int, id types.BlockID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prev[i] = id
	h.bump()
}

func (h *Handle) SetNext(i int, id types.BlockID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next[i] = id
	h.bump()
}

// --- flush protocol (§4.6) ----------------------------------------------

// Persister durably writes a handle's serialized bytes, e.g. into a slice's
// KV under kv.BucketHandles.
type Persister func(id types.BlockID, data []byte) error

// Flush runs the bounded loop of §4.6: read the current version, persist,
// then advance flushed_upto — repeating if a further mutation raced in
// during the write. It returns once NeedFlush is false.
func (h *Handle) Flush(persist Persister) error {
	for {
		h.mu.Lock()
		if h.version == h.flushedUpto {
			h.mu.Unlock()
			return nil
		}
		v := h.version
		data, err := h.encodeLocked()
		h.mu.Unlock()
		if err != nil {
			return archerr.Wrap(err, "blockhandle: encode")
		}
		if err := persist(h.id, data); err != nil {
			return archerr.Wrap(err, "blockhandle: persist")
		}
		h.mu.Lock()
		if h.flushedUpto < v {
			h.flushedUpto = v
		}
		done := h.version == h.flushedUpto
		h.mu.Unlock()
		if done {
			return nil
		}
		// else: another mutation landed mid-flush; loop and flush again.
	}
}

// wireHandle is the RLP-friendly projection of Handle: RLP needs exported
// fields and has no native bool type, so boolean bits are packed into a
// single flags byte.
type wireHandle struct {
	ID                  []byte
	Flags               uint8
	Prev0, Prev1        []byte
	Next0, Next1        []byte
	MasterchainRefSeqno uint32
	UnixTime            uint32
	LogicalTime         uint64
	StateGenUtime       uint32
	StateRootHash       []byte
}

const (
	flagApplied = 1 << iota
	flagReceived
	flagProofInited
	flagProofLinkInited
	flagSignaturesInited
	flagStateInited
	flagStateDeleted
	flagKeyBlock
)

func (h *Handle) encodeLocked() ([]byte, error) {
	var flags uint8
	if h.applied {
		flags |= flagApplied
	}
	if h.received {
		flags |= flagReceived
	}
	if h.proofInited {
		flags |= flagProofInited
	}
	if h.proofLinkInited {
		flags |= flagProofLinkInited
	}
	if h.signaturesInited {
		flags |= flagSignaturesInited
	}
	if h.stateInited {
		flags |= flagStateInited
	}
	if h.stateDeleted {
		flags |= flagStateDeleted
	}
	if h.keyBlock {
		flags |= flagKeyBlock
	}
	w := wireHandle{
		ID:                  h.id.Bytes(),
		Flags:               flags,
		Prev0:               h.prev[0].Bytes(),
		Prev1:               h.prev[1].Bytes(),
		Next0:               h.next[0].Bytes(),
		Next1:               h.next[1].Bytes(),
		MasterchainRefSeqno: h.masterchainRefSeqno,
		UnixTime:            uint32(h.unixTime),
		LogicalTime:         uint64(h.logicalTime),
		StateGenUtime:       uint32(h.stateGenUtime),
		StateRootHash:       h.stateRootHash[:],
	}
	return rlp.EncodeToBytes(&w)
}

// Decode parses RLP-encoded handle bytes back into a Handle. The returned
// handle's version/flushedUpto are both set to 1, i.e. "clean" — matching
// the invariant that persisted bytes always correspond to some prefix of
// version history and need no further flush immediately after a load.
func Decode(data []byte) (*Handle, error) {
	var w wireHandle
	if err := rlp.DecodeBytes(data, &w); err != nil {
		return nil, archerr.Wrap(archerr.ErrCorruption, "blockhandle: rlp decode")
	}
	id, err := types.ParseBlockIDBytes(w.ID)
	if err != nil {
		return nil, archerr.Wrap(err, "blockhandle: decode id")
	}
	prev0, err := types.ParseBlockIDBytes(w.Prev0)
	if err != nil {
		return nil, err
	}
	prev1, err := types.ParseBlockIDBytes(w.Prev1)
	if err != nil {
		return nil, err
	}
	next0, err := types.ParseBlockIDBytes(w.Next0)
	if err != nil {
		return nil, err
	}
	next1, err := types.ParseBlockIDBytes(w.Next1)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		id:                  id,
		applied:             w.Flags&flagApplied != 0,
		received:            w.Flags&flagReceived != 0,
		proofInited:         w.Flags&flagProofInited != 0,
		proofLinkInited:     w.Flags&flagProofLinkInited != 0,
		signaturesInited:    w.Flags&flagSignaturesInited != 0,
		stateInited:         w.Flags&flagStateInited != 0,
		stateDeleted:        w.Flags&flagStateDeleted != 0,
		keyBlock:            w.Flags&flagKeyBlock != 0,
		prev:                [2]types.BlockID{prev0, prev1},
		next:                [2]types.BlockID{next0, next1},
		masterchainRefSeqno: w.MasterchainRefSeqno,
		unixTime:            types.UnixTime(w.UnixTime),
		logicalTime:         types.LogicalTime(w.LogicalTime),
		stateGenUtime:       types.UnixTime(w.StateGenUtime),
		version:             1,
		flushedUpto:         1,
	}
	copy(h.stateRootHash[:], w.StateRootHash)
	return h, nil
}

// Equal compares two handles field-by-field (ignoring version bookkeeping),
// the comparison the flush round-trip property of §8.4 is stated in.
func (h *Handle) Equal(o *Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()
	return h.id == o.id &&
		h.applied == o.applied &&
		h.received == o.received &&
		h.proofInited == o.proofInited &&
		h.proofLinkInited == o.proofLinkInited &&
		h.signaturesInited == o.signaturesInited &&
		h.stateInited == o.stateInited &&
		h.stateDeleted == o.stateDeleted &&
		h.keyBlock == o.keyBlock &&
		h.prev == o.prev &&
		h.next == o.next &&
		h.masterchainRefSeqno == o.masterchainRefSeqno &&
		h.unixTime == o.unixTime &&
		h.logicalTime == o.logicalTime &&
		h.stateGenUtime == o.stateGenUtime &&
		h.stateRootHash == o.stateRootHash
}
