package cell

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"chainarchive/internal/archerr"
	"chainarchive/internal/types"
)

// bocMagic tags a serialized bag-of-cells blob. The on-disk package-record
// framing of §6 has its own, separately preserved magic (0x1e8b9ded,
// internal/pkgfile); this one only scopes the BoC payload itself.
var bocMagic = [4]byte{'B', 'O', 'C', '1'}

// Bag is an in-memory bag of cells with one or more named roots: the shape
// every Merkle proof and every proof-chain response is serialized as
// (§4.8, §6 "multi-proof responses use the multi-root BoC form").
type Bag struct {
	Roots []types.Hash
	Cells map[types.Hash]*Cell
}

// NewBag collects the full transitive closure reachable from roots into a
// Bag, suitable for Serialize.
func NewBag(roots []types.Hash, resolve func(types.Hash) (*Cell, error)) (*Bag, error) {
	b := &Bag{Roots: append([]types.Hash(nil), roots...), Cells: make(map[types.Hash]*Cell)}
	var walk func(types.Hash) error
	walk = func(h types.Hash) error {
		if _, ok := b.Cells[h]; ok {
			return nil
		}
		c, err := resolve(h)
		if err != nil {
			return err
		}
		b.Cells[h] = c
		for _, r := range c.Refs {
			if err := walk(r); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range roots {
		if err := walk(r); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Serialize encodes the bag in topological (children-before-parents by
// first appearance) order: magic | cellCount(u32) | rootCount(u32) |
// root indices(u32 each) | per-cell {special(1), bits(u16), dataLen(u32),
// data, refCount(1), ref indices(u32 each)}.
func (b *Bag) Serialize() ([]byte, error) {
	order, index, err := topoOrder(b)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(bocMagic[:])
	writeU32(&buf, uint32(len(order)))
	writeU32(&buf, uint32(len(b.Roots)))
	for _, r := range b.Roots {
		idx, ok := index[r]
		if !ok {
			return nil, fmt.Errorf("cell: boc root %s absent from bag", r)
		}
		writeU32(&buf, uint32(idx))
	}
	for _, h := range order {
		c := b.Cells[h]
		buf.WriteByte(byte(c.Special))
		writeU16(&buf, c.DataBits)
		writeU32(&buf, uint32(len(c.Data)))
		buf.Write(c.Data)
		buf.WriteByte(byte(len(c.Refs)))
		for _, r := range c.Refs {
			idx, ok := index[r]
			if !ok {
				return nil, fmt.Errorf("cell: boc ref %s absent from bag", r)
			}
			writeU32(&buf, uint32(idx))
		}
	}
	return buf.Bytes(), nil
}

// Deserialize parses bytes produced by Serialize.
func Deserialize(data []byte) (*Bag, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], bocMagic[:]) {
		return nil, archerr.Wrap(archerr.ErrProtocolViolation, "cell: bad boc magic")
	}
	off := 4
	cellCount := int(readU32(data, &off))
	rootCount := int(readU32(data, &off))
	rootIdx := make([]int, rootCount)
	for i := range rootIdx {
		rootIdx[i] = int(readU32(data, &off))
	}
	cells := make([]*Cell, cellCount)
	for i := 0; i < cellCount; i++ {
		if off >= len(data) {
			return nil, archerr.Wrap(archerr.ErrCorruption, "cell: truncated boc")
		}
		special := SpecialTag(data[off])
		off++
		bits := readU16(data, &off)
		dataLen := int(readU32(data, &off))
		if off+dataLen > len(data) {
			return nil, archerr.Wrap(archerr.ErrCorruption, "cell: truncated boc data")
		}
		body := append([]byte(nil), data[off:off+dataLen]...)
		off += dataLen
		if off >= len(data) {
			return nil, archerr.Wrap(archerr.ErrCorruption, "cell: truncated boc refs")
		}
		refN := int(data[off])
		off++
		refIdx := make([]int, refN)
		for j := 0; j < refN; j++ {
			refIdx[j] = int(readU32(data, &off))
		}
		cells[i] = &Cell{Special: special, DataBits: bits, Data: body, refIdxTmp: refIdx}
	}
	// Resolve ref indices to hashes bottom-up (cells are in
	// children-before-parents order, so every ref index < current index).
	hashes := make([]types.Hash, cellCount)
	for i, c := range cells {
		refs := make([]types.Hash, len(c.refIdxTmp))
		for j, ri := range c.refIdxTmp {
			if ri >= i {
				return nil, archerr.Wrap(archerr.ErrProtocolViolation, "cell: boc ref points forward")
			}
			refs[j] = hashes[ri]
		}
		c.Refs = refs
		c.refIdxTmp = nil
		hashes[i] = c.Hash()
	}
	bag := &Bag{Cells: make(map[types.Hash]*Cell, cellCount)}
	for i, c := range cells {
		bag.Cells[hashes[i]] = c
	}
	bag.Roots = make([]types.Hash, rootCount)
	for i, ri := range rootIdx {
		if ri >= cellCount {
			return nil, archerr.Wrap(archerr.ErrProtocolViolation, "cell: boc root index out of range")
		}
		bag.Roots[i] = hashes[ri]
	}
	return bag, nil
}

func topoOrder(b *Bag) ([]types.Hash, map[types.Hash]int, error) {
	order := make([]types.Hash, 0, len(b.Cells))
	index := make(map[types.Hash]int, len(b.Cells))
	visiting := make(map[types.Hash]bool)
	var visit func(types.Hash) error
	visit = func(h types.Hash) error {
		if _, ok := index[h]; ok {
			return nil
		}
		if visiting[h] {
			return fmt.Errorf("cell: boc graph is not acyclic at %s", h)
		}
		visiting[h] = true
		c, ok := b.Cells[h]
		if !ok {
			return fmt.Errorf("cell: boc missing cell %s", h)
		}
		for _, r := range c.Refs {
			if err := visit(r); err != nil {
				return err
			}
		}
		visiting[h] = false
		index[h] = len(order)
		order = append(order, h)
		return nil
	}
	for _, r := range b.Roots {
		if err := visit(r); err != nil {
			return nil, nil, err
		}
	}
	// Cells unreachable from any declared root but present in the map
	// (shouldn't normally happen) are appended last so Serialize never
	// silently drops data.
	for h := range b.Cells {
		if err := visit(h); err != nil {
			return nil, nil, err
		}
	}
	return order, index, nil
}

// CompressBag / DecompressBag gzip-wrap a serialized bag the same way
// core/blockchain_compression.go's CompressLedger/DecompressLedger wrap a
// ledger snapshot; used when storing a subtree inline as StoredAsBoc.
func CompressBag(serialized []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(serialized); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecompressBag(compressed []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	var out bytes.Buffer
	if _, err := io.Copy(&out, gr); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func readU32(data []byte, off *int) uint32 {
	v := binary.LittleEndian.Uint32(data[*off : *off+4])
	*off += 4
	return v
}

func readU16(data []byte, off *int) uint16 {
	v := binary.LittleEndian.Uint16(data[*off : *off+2])
	*off += 2
	return v
}
