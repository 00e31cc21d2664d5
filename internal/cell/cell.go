// Package cell implements the persisted, content-addressed cell-graph store
// of §4.2: an immutable DAG of cells with semantic reference counting,
// snapshot-isolated reads, and optional lazy bag-of-cells compression for
// subtrees below a configured depth.
//
// Grounded on core/storage.go's content-addressing (the teacher computes a
// CIDv1/sha256-multihash for every blob it pins) and core/ledger.go's
// snapshot/WAL discipline; cid/multihash give cells an externally
// recognisable content address alongside the raw 32-byte hash the rest of
// the engine operates on.
package cell

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"chainarchive/internal/archerr"
	"chainarchive/internal/types"
)

// SpecialTag classifies a cell per §3 GLOSSARY.
type SpecialTag uint8

const (
	Ordinary SpecialTag = iota
	Pruned
	Library
	MerkleProofTag
	MerkleUpdateTag
)

// MaxRefs and MaxDataBits are the structural limits on a cell (§3).
const (
	MaxRefs     = 4
	MaxDataBits = 1023
)

// Cell is an immutable content-addressed DAG node.
type Cell struct {
	Special  SpecialTag
	DataBits uint16 // number of significant bits in Data
	Data     []byte // big-endian packed bits, len = ceil(DataBits/8)
	Refs     []types.Hash

	hash     types.Hash
	hashedOK bool

	refIdxTmp []int // scratch used only while decoding a Bag, see boc.go
}

// NewOrdinary builds an ordinary (non-special) cell from raw bit data and
// child refs, validating the §3 structural limits.
func NewOrdinary(data []byte, bits uint16, refs []types.Hash) (*Cell, error) {
	return newCell(Ordinary, data, bits, refs)
}

// NewSpecial builds a special cell (pruned / library / merkle-proof /
// merkle-update).
func NewSpecial(tag SpecialTag, data []byte, bits uint16, refs []types.Hash) (*Cell, error) {
	return newCell(tag, data, bits, refs)
}

func newCell(tag SpecialTag, data []byte, bits uint16, refs []types.Hash) (*Cell, error) {
	if bits > MaxDataBits {
		return nil, fmt.Errorf("cell: %d bits exceeds max %d", bits, MaxDataBits)
	}
	if len(refs) > MaxRefs {
		return nil, fmt.Errorf("cell: %d refs exceeds max %d", len(refs), MaxRefs)
	}
	want := int((bits + 7) / 8)
	if len(data) != want {
		return nil, fmt.Errorf("cell: data length %d does not match %d bits", len(data), bits)
	}
	c := &Cell{Special: tag, DataBits: bits, Data: append([]byte(nil), data...), Refs: append([]types.Hash(nil), refs...)}
	c.Hash()
	return c, nil
}

// Hash returns (and memoizes) the cell's representation hash. Two cells
// with the same hash are, by the content-addressing invariant, identical
// subtrees — the hash is computed over the special tag, bit length, data
// and the hashes of every child, never over anything transient.
func (c *Cell) Hash() types.Hash {
	if c.hashedOK {
		return c.hash
	}
	h := sha256.New()
	h.Write([]byte{byte(c.Special)})
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], c.DataBits)
	h.Write(lenBuf[:])
	h.Write(c.Data)
	var refCountBuf [1]byte
	refCountBuf[0] = byte(len(c.Refs))
	h.Write(refCountBuf[:])
	for _, r := range c.Refs {
		h.Write(r[:])
	}
	sum := h.Sum(nil)
	copy(c.hash[:], sum)
	c.hashedOK = true
	return c.hash
}

// CID renders the cell's hash as an IPFS CIDv1/raw-sha256-multihash
// string, purely for log lines and external diagnostics (never used for
// on-disk identity, which stays the raw 32-byte hash per §6).
func CID(h types.Hash) (string, error) {
	digest, err := mh.Encode(h[:], mh.SHA2_256)
	if err != nil {
		return "", err
	}
	c := cid.NewCidV1(cid.Raw, mh.Multihash(digest))
	return c.String(), nil
}

// record is the on-disk encoding of a stored cell: {refcount, body,
// stored_as_boc?}. encode/decode are hand-rolled (not gob/json) because the
// format must be exactly this shape for the depth-cutoff migration path to
// reason about "is this already boc-compressed" cheaply.
type record struct {
	Refcount    uint32
	StoredAsBoc bool
	Cell        *Cell
}

func encodeRecord(r *record) []byte {
	var buf bytes.Buffer
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[0:4], r.Refcount)
	if r.StoredAsBoc {
		hdr[4] = 1
	}
	buf.Write(hdr[:])
	buf.WriteByte(byte(r.Cell.Special))
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], r.Cell.DataBits)
	buf.Write(lenBuf[:])
	var dataLen [4]byte
	binary.LittleEndian.PutUint32(dataLen[:], uint32(len(r.Cell.Data)))
	buf.Write(dataLen[:])
	buf.Write(r.Cell.Data)
	buf.WriteByte(byte(len(r.Cell.Refs)))
	for _, ref := range r.Cell.Refs {
		buf.Write(ref[:])
	}
	return buf.Bytes()
}

func decodeRecord(b []byte) (*record, error) {
	if len(b) < 5+1+2+4 {
		return nil, archerr.Wrapf(archerr.ErrCorruption, "cell: record too short (%d bytes)", len(b))
	}
	r := &record{}
	r.Refcount = binary.LittleEndian.Uint32(b[0:4])
	r.StoredAsBoc = b[4] == 1
	off := 5
	special := SpecialTag(b[off])
	off++
	bits := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	dataLen := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	if uint32(len(b)-off) < dataLen {
		return nil, archerr.Wrapf(archerr.ErrCorruption, "cell: truncated data (want %d have %d)", dataLen, len(b)-off)
	}
	data := append([]byte(nil), b[off:off+int(dataLen)]...)
	off += int(dataLen)
	if off >= len(b) {
		return nil, archerr.Wrap(archerr.ErrCorruption, "cell: missing ref count byte")
	}
	refN := int(b[off])
	off++
	if refN > MaxRefs {
		return nil, archerr.Wrap(archerr.ErrCorruption, "cell: too many refs in record")
	}
	if len(b)-off < refN*32 {
		return nil, archerr.Wrap(archerr.ErrCorruption, "cell: truncated refs")
	}
	refs := make([]types.Hash, refN)
	for i := 0; i < refN; i++ {
		copy(refs[i][:], b[off:off+32])
		off += 32
	}
	c := &Cell{Special: special, DataBits: bits, Data: data, Refs: refs}
	c.Hash()
	r.Cell = c
	return r, nil
}

var errDepthMismatch = errors.New("cell: depth cutoff mismatch")
