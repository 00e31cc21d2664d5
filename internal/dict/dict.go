// Package dict implements the sparse binary trie this engine stores its
// shard-state dictionaries in: ShardAccounts, the masterchain config,
// shard-hashes, validator-stats, global-libraries, the out-msg queue and
// the dispatch queue all share this one structure, keyed by a 256-bit
// digest so any of §4.9's lookups and walks can use the same Lookup/Walk
// code regardless of what the dictionary actually holds.
//
// Grounded on internal/cell's content-addressed cell DAG: a trie node is
// just an ordinary cell whose Refs point at its children, so dictionary
// proofs fall directly out of internal/proof's pruned-cell proof engine
// without any dictionary-specific proof code.
package dict

import (
	"crypto/sha256"

	"chainarchive/internal/archerr"
	"chainarchive/internal/cell"
	"chainarchive/internal/types"
)

// Resolve looks up a cell by its hash, satisfied by rootdb.RootDB.LoadCell
// or by an in-memory map built for a test or an ingestion path.
type Resolve func(types.Hash) (*cell.Cell, error)

// Key folds an arbitrary byte string down to the trie's 256-bit key
// space. Keys that are already 32 bytes (account ids, block hashes, other
// dictionary keys) pass through unchanged so a caller that already has a
// natural 256-bit key never pays for a needless digest.
func Key(raw []byte) [32]byte {
	if len(raw) == 32 {
		var k [32]byte
		copy(k[:], raw)
		return k
	}
	return sha256.Sum256(raw)
}

// leafBits is the size of a trie leaf's Data: just the raw key.
const leafBits = 256

func isLeaf(c *cell.Cell) bool { return c.DataBits == leafBits }

// NewLeaf builds a trie leaf for key. value may be types.Hash{} for a
// presence-only entry (e.g. a shard-hashes slot that only needs to assert
// a shard exists); otherwise it is the hash of the entry's value cell,
// already resolvable via whatever Resolve the caller reads the trie with.
func NewLeaf(key [32]byte, value types.Hash) (*cell.Cell, error) {
	var refs []types.Hash
	if !value.IsZero() {
		refs = []types.Hash{value}
	}
	return cell.NewOrdinary(key[:], leafBits, refs)
}

// LeafValue extracts the value ref recorded by NewLeaf, the zero hash if
// the leaf carries none.
func LeafValue(leaf *cell.Cell) types.Hash {
	if len(leaf.Refs) == 0 {
		return types.Hash{}
	}
	return leaf.Refs[0]
}

// LeafKey extracts the 256-bit key recorded by NewLeaf.
func LeafKey(leaf *cell.Cell) [32]byte {
	var k [32]byte
	copy(k[:], leaf.Data)
	return k
}

// Empty builds the canonical empty dictionary: a branch with neither
// child present, so Lookup on it always reports a clean miss at depth 0
// rather than needing a sentinel hash for "no dictionary here".
func Empty() (*cell.Cell, error) {
	return NewBranch(nil, nil)
}

// NewBranch builds an internal trie node from up to two children. A
// one-byte presence bitmap (bit 0 = the 0-bit child, bit 1 = the 1-bit
// child) lets a branch be genuinely sparse instead of needing a
// placeholder hash for a side that has no entries at all.
func NewBranch(left, right *types.Hash) (*cell.Cell, error) {
	var bitmap byte
	var refs []types.Hash
	if left != nil {
		bitmap |= 1
		refs = append(refs, *left)
	}
	if right != nil {
		bitmap |= 2
		refs = append(refs, *right)
	}
	return cell.NewOrdinary([]byte{bitmap}, 8, refs)
}

// branchChildren decodes a NewBranch cell back into its (possibly absent)
// children.
func branchChildren(c *cell.Cell) (left, right *types.Hash) {
	if len(c.Data) == 0 {
		return nil, nil
	}
	bitmap := c.Data[0]
	i := 0
	if bitmap&1 != 0 {
		h := c.Refs[i]
		left = &h
		i++
	}
	if bitmap&2 != 0 {
		h := c.Refs[i]
		right = &h
	}
	return left, right
}

func bit(key [32]byte, depth int) int {
	byteIdx, bitIdx := depth/8, 7-(depth%8)
	return int((key[byteIdx] >> uint(bitIdx)) & 1)
}

// Step is one hop of a trie walk: the branch cell left from and the child
// hash taken. Lookup reports its path as Result.Visited instead, and
// internal/proof.BuildCellProof takes a keep set of hashes, so neither
// produces nor consumes a Step.
type Step struct {
	Node types.Hash // the branch cell this step left from
	Next types.Hash // the child hash taken
}

// Result is the outcome of a Lookup: whether key is genuinely present,
// the leaf (or, on a miss, the branch where the walk diverged), and the
// full hash path visited from root to that terminal cell inclusive.
type Result struct {
	Found   bool
	Leaf    *cell.Cell
	Visited []types.Hash
}

// Lookup walks from root for key, stopping at the matching leaf, at a
// leaf with a different key (a "wrong leaf" proof of absence), or at a
// branch missing the child key's next bit would require (a "missing
// branch" proof of absence).
func Lookup(root types.Hash, key [32]byte, resolve Resolve) (Result, error) {
	cur := root
	visited := []types.Hash{root}
	depth := 0
	for {
		c, err := resolve(cur)
		if err != nil {
			return Result{}, archerr.Wrapf(err, "dict: lookup resolve %s", cur)
		}
		if isLeaf(c) {
			return Result{Found: LeafKey(c) == key, Leaf: c, Visited: visited}, nil
		}
		left, right := branchChildren(c)
		var next *types.Hash
		if bit(key, depth) == 0 {
			next = left
		} else {
			next = right
		}
		if next == nil {
			return Result{Found: false, Leaf: c, Visited: visited}, nil
		}
		cur = *next
		visited = append(visited, cur)
		depth++
	}
}

// Insert returns a new trie with key/value set, leaving every cell the
// original trie resolves to untouched (the cell store is content
// addressed and append-only, so "mutation" always means building new
// cells and a new root). fresh collects every newly built cell so a
// caller can make them resolvable (store them, or add them to an
// in-memory map for tests).
func Insert(root types.Hash, key [32]byte, value types.Hash, resolve Resolve, fresh map[types.Hash]*cell.Cell) (types.Hash, error) {
	c, err := resolve(root)
	if err != nil {
		return types.Hash{}, err
	}
	return insertAt(c, key, value, 0, resolve, fresh)
}

func insertAt(c *cell.Cell, key [32]byte, value types.Hash, depth int, resolve Resolve, fresh map[types.Hash]*cell.Cell) (types.Hash, error) {
	if isLeaf(c) {
		existing := LeafKey(c)
		if existing == key {
			leaf, err := NewLeaf(key, value)
			if err != nil {
				return types.Hash{}, err
			}
			fresh[leaf.Hash()] = leaf
			return leaf.Hash(), nil
		}
		// Split: push both the existing and the new leaf one level deeper
		// until their key bits diverge.
		return split(c, existing, key, value, depth, fresh)
	}
	left, right := branchChildren(c)
	newLeaf, err := NewLeaf(key, value)
	if err != nil {
		return types.Hash{}, err
	}
	if bit(key, depth) == 0 {
		if left == nil {
			fresh[newLeaf.Hash()] = newLeaf
			h := newLeaf.Hash()
			left = &h
		} else {
			child, err := resolve(*left)
			if err != nil {
				return types.Hash{}, err
			}
			h, err := insertAt(child, key, value, depth+1, resolve, fresh)
			if err != nil {
				return types.Hash{}, err
			}
			left = &h
		}
	} else {
		if right == nil {
			fresh[newLeaf.Hash()] = newLeaf
			h := newLeaf.Hash()
			right = &h
		} else {
			child, err := resolve(*right)
			if err != nil {
				return types.Hash{}, err
			}
			h, err := insertAt(child, key, value, depth+1, resolve, fresh)
			if err != nil {
				return types.Hash{}, err
			}
			right = &h
		}
	}
	branch, err := NewBranch(left, right)
	if err != nil {
		return types.Hash{}, err
	}
	fresh[branch.Hash()] = branch
	return branch.Hash(), nil
}

func split(existingLeaf *cell.Cell, existingKey, newKey [32]byte, newValue types.Hash, depth int, fresh map[types.Hash]*cell.Cell) (types.Hash, error) {
	if bit(existingKey, depth) == bit(newKey, depth) {
		childHash, err := split(existingLeaf, existingKey, newKey, newValue, depth+1, fresh)
		if err != nil {
			return types.Hash{}, err
		}
		var left, right *types.Hash
		if bit(existingKey, depth) == 0 {
			left = &childHash
		} else {
			right = &childHash
		}
		branch, err := NewBranch(left, right)
		if err != nil {
			return types.Hash{}, err
		}
		fresh[branch.Hash()] = branch
		return branch.Hash(), nil
	}
	newLeaf, err := NewLeaf(newKey, newValue)
	if err != nil {
		return types.Hash{}, err
	}
	fresh[existingLeaf.Hash()] = existingLeaf
	fresh[newLeaf.Hash()] = newLeaf
	existingHash, newHash := existingLeaf.Hash(), newLeaf.Hash()
	var left, right *types.Hash
	if bit(existingKey, depth) == 0 {
		left, right = &existingHash, &newHash
	} else {
		left, right = &newHash, &existingHash
	}
	branch, err := NewBranch(left, right)
	if err != nil {
		return types.Hash{}, err
	}
	fresh[branch.Hash()] = branch
	return branch.Hash(), nil
}

// Walk performs an in-order traversal of the trie rooted at root,
// invoking visit(leaf) for every entry in ascending key order, stopping
// early (without error) once visit returns false. after, if non-nil,
// skips every key less than or equal to it, the cursor convention used by
// list_block_transactions-style paged queries.
func Walk(root types.Hash, after *[32]byte, resolve Resolve, visit func(leaf *cell.Cell) bool) error {
	_, err := walkNode(root, after, resolve, visit)
	return err
}

func walkNode(h types.Hash, after *[32]byte, resolve Resolve, visit func(*cell.Cell) bool) (bool, error) {
	c, err := resolve(h)
	if err != nil {
		return false, archerr.Wrapf(err, "dict: walk resolve %s", h)
	}
	if isLeaf(c) {
		k := LeafKey(c)
		if after != nil && lessOrEqual(k, *after) {
			return true, nil
		}
		return visit(c), nil
	}
	left, right := branchChildren(c)
	if left != nil {
		cont, err := walkNode(*left, after, resolve, visit)
		if err != nil || !cont {
			return cont, err
		}
	}
	if right != nil {
		return walkNode(*right, after, resolve, visit)
	}
	return true, nil
}

func lessOrEqual(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return true
}
