package proof

import (
	"bytes"
	"encoding/binary"

	"chainarchive/internal/archerr"
	"chainarchive/internal/cell"
	"chainarchive/internal/types"
)

// prunedDataLen is a pruned-branch placeholder's Data length: the
// 32-byte hash of the subtree it stands in for, plus a 2-byte depth —
// the same two fields a TON PrunedBranch cell carries, enough for a
// verifier to recognize a placeholder and know how deep it sat without
// ever resolving the material behind it.
const prunedDataLen = 34

func prunedPlaceholder(target types.Hash, depth uint16) (*cell.Cell, error) {
	data := make([]byte, prunedDataLen)
	copy(data, target[:])
	binary.BigEndian.PutUint16(data[32:], depth)
	return cell.NewSpecial(cell.Pruned, data, prunedDataLen*8, nil)
}

func prunedTarget(c *cell.Cell) (types.Hash, bool) {
	if c.Special != cell.Pruned || len(c.Data) != prunedDataLen {
		return types.Hash{}, false
	}
	var h types.Hash
	copy(h[:], c.Data[:32])
	return h, true
}

// Resolve looks up a cell by hash, satisfied by rootdb.RootDB.LoadCell or
// an in-memory map for ephemeral proof trees.
type Resolve func(types.Hash) (*cell.Cell, error)

// BuildCellProof assembles a pruned-cell proof bag rooted at root: every
// hash in keep is resolved and stored in full; every other cell that a
// kept cell's Refs points at is replaced with a pruned placeholder filed
// under that child's own hash. A cell's representation hash
// (internal/cell.Cell.Hash) is computed from its own tag, data and the
// raw ref hash values it already carries — never by recursing into what
// those hashes resolve to — so every kept cell, the root included, keeps
// exactly the hash it had in the unpruned tree. That is what makes "the
// proof's root hash matches the original block's root hash" true by
// construction rather than something a caller has to separately verify.
func BuildCellProof(root types.Hash, resolve Resolve, keep map[types.Hash]bool) (*cell.Bag, error) {
	bag := &cell.Bag{Roots: []types.Hash{root}, Cells: map[types.Hash]*cell.Cell{}}
	var walk func(h types.Hash, depth uint16) error
	walk = func(h types.Hash, depth uint16) error {
		if _, ok := bag.Cells[h]; ok {
			return nil
		}
		c, err := resolve(h)
		if err != nil {
			return archerr.Wrapf(err, "proof: build cell proof: resolve %s", h)
		}
		bag.Cells[h] = c
		for _, r := range c.Refs {
			if keep[r] {
				if err := walk(r, depth+1); err != nil {
					return err
				}
				continue
			}
			if _, ok := bag.Cells[r]; ok {
				continue
			}
			ph, err := prunedPlaceholder(r, depth+1)
			if err != nil {
				return err
			}
			bag.Cells[r] = ph
		}
		return nil
	}
	if err := walk(root, 0); err != nil {
		return nil, err
	}
	return bag, nil
}

// VerifyCellProof is the virtualizer: it confirms a bag is internally
// consistent without ever needing the material any pruned placeholder
// stands in for. Every cell reachable from a declared root must either
// be a real cell (its stored Hash must equal the key it is filed under)
// or a pruned placeholder whose embedded target equals that same key.
func VerifyCellProof(bag *cell.Bag) bool {
	if bag == nil || len(bag.Roots) == 0 {
		return false
	}
	visited := map[types.Hash]bool{}
	var check func(h types.Hash) bool
	check = func(h types.Hash) bool {
		if visited[h] {
			return true
		}
		visited[h] = true
		c, ok := bag.Cells[h]
		if !ok {
			return false
		}
		if c.Special == cell.Pruned {
			target, ok := prunedTarget(c)
			return ok && target == h
		}
		if c.Hash() != h {
			return false
		}
		for _, r := range c.Refs {
			if !check(r) {
				return false
			}
		}
		return true
	}
	for _, r := range bag.Roots {
		if !check(r) {
			return false
		}
	}
	return true
}

// Proof is a pruned-cell inclusion proof: a bag rooted at Root with every
// cell pruned except the path down to LeafHash, whose raw content is
// Leaf. §4.8's proof responses serialize exactly this shape: a
// multi-root BoC carrying Root plus the one revealed leaf.
type Proof struct {
	Root     types.Hash
	LeafHash types.Hash
	Leaf     []byte
	Bag      *cell.Bag
}

// Verify checks that p's bag is a well-formed pruned-cell proof literally
// rooted at p.Root — the cornerstone invariant that a proof's root hash
// matches the block (or dictionary) root it claims to be about — and
// that LeafHash resolves, unpruned, to a cell whose Data is exactly Leaf.
func Verify(p Proof) bool {
	if p.Bag == nil || len(p.Bag.Roots) != 1 || p.Bag.Roots[0] != p.Root {
		return false
	}
	if !VerifyCellProof(p.Bag) {
		return false
	}
	leaf, ok := p.Bag.Cells[p.LeafHash]
	if !ok || leaf.Special == cell.Pruned {
		return false
	}
	return bytes.Equal(leaf.Data, p.Leaf)
}

// Serialize renders a Proof as the multi-root BoC wire form (§4.8) a
// lite-query response actually carries over the wire.
func (p Proof) Serialize() ([]byte, error) {
	return p.Bag.Serialize()
}
