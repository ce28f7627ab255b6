// Package btree implements the generic B+tree walker (spec §4.4): a
// preorder traversal over node.Node blocks that tolerates damage by
// skipping the offending subtree rather than aborting the whole walk,
// de-duplicates nodes shared between trees (every thin device's mapping
// tree shares unmodified subtrees with its origin), and checks that every
// key it sees falls within the range its parent promised.
//
// Grounded on the teacher's lib/btrfs/io3_btree.go: the TreePath
// breadcrumb stack, the PreNode/Node/BadNode/PostNode and
// PreKeyPointer/PostKeyPointer/Item/BadItem visitor lifecycle, and the
// "continue past a bad node instead of returning" control flow that lets
// one corrupt subtree not take down an entire check or dump pass.
package btree

import (
	"fmt"
	"math"

	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/ioengine"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/pdata/node"
	"github.com/jthornber/thin-provisioning-tools-go/lib/thin/thinerr"
)

// PathElem is one breadcrumb in the walk: which block is being visited
// and, for an internal node the walk has descended from, the index of the
// child pointer it followed (0 otherwise).
type PathElem struct {
	BlockNr uint64
	Index   int
}

// Path is the stack of breadcrumbs from the tree root down to the node
// currently being visited, root first.
type Path []PathElem

func (p Path) String() string {
	s := ""
	for _, e := range p {
		s += fmt.Sprintf("/%d[%d]", e.BlockNr, e.Index)
	}
	return s
}

// Decoder turns a node's raw ValueSize-byte value slices into V, and
// reports the fixed size a V occupies on disk.
type Decoder[V any] struct {
	Size   int
	Decode func([]byte) (V, error)
}

// Visitor receives callbacks during a walk. Every method is optional in
// spirit (a no-op Visitor is a valid, if useless, walk). Node's return
// value decides whether the walk descends below that node; an error
// returned from Leaf is passed to BadNode and the walk goes on with the
// next key. No callback stops the whole walk — walk-wide fatal
// conditions are for the caller to notice by inspecting what BadNode
// reported.
type Visitor[V any] struct {
	// Node is called once a node is read and passes its own header
	// validation, before descending into children or decoding leaf
	// values. Returning false stops the walk from descending further
	// from this node (its key pointers are not followed) but does not
	// affect sibling nodes.
	Node func(path Path, n *node.Node) (descend bool)

	// BadNode is called when a node fails to be read, fails checksum,
	// fails header validation, or violates the key range its parent
	// promised. The subtree rooted here is skipped; the walk continues
	// with the next sibling.
	BadNode func(path Path, blockNr uint64, err error)

	// KeyPointer is called for each child pointer of an internal node,
	// before it is followed. Returning false skips that child (and
	// its entire subtree) without treating it as damage.
	KeyPointer func(path Path, key uint64, childBlockNr uint64) (follow bool)

	// Leaf is called for each key/value pair of a leaf node.
	Leaf func(path Path, key uint64, value V) error
}

// visited dedups nodes reachable from more than one root (thin devices
// that share unmodified mapping-tree subtrees via copy-on-write), so a
// dump or check pass doesn't redo — or re-report — the same subtree once
// per sharing device.
type visited = map[uint64]struct{}

// Walk performs a preorder traversal of the tree rooted at root, reading
// nodes through eng and decoding leaf values with dec. shared, when
// non-nil, is a de-duplication set threaded across multiple calls to
// Walk (e.g. one call per thin device sharing a pool's mapping tree); a
// node already present in shared is visited at most once across the
// whole set of calls. Pass nil to always walk every node regardless of
// sharing.
func Walk[V any](eng ioengine.Engine, kind uint32, dec Decoder[V], root uint64, v Visitor[V], shared *map[uint64]struct{}) error {
	seen := visited(nil)
	if shared != nil {
		if *shared == nil {
			*shared = make(visited)
		}
		seen = *shared
	} else {
		seen = make(visited)
	}
	return walk(eng, kind, dec, root, nil, 0, math.MaxUint64, v, seen)
}

// Lookup descends from root following the single child pointer whose key
// range contains key, and returns the matching leaf value. It reports
// ok=false if the tree is damaged along the way or key is absent,
// without the damage being fatal to the caller — a missing overflow
// refcount, for instance, usually just means the caller should treat the
// count as unknown rather than abort. Grounded on the teacher's
// treeSearch single-path descent (lib/btrfs/io3_btree.go), which walks
// one spine instead of the whole tree the way Walk does.
func Lookup[V any](eng ioengine.Engine, kind uint32, dec Decoder[V], root uint64, key uint64) (value V, ok bool) {
	blockNr := root
	for {
		blk, err := eng.ReadBlock(blockNr)
		if err != nil {
			return value, false
		}
		if err := pdata.Validate(blk.Data[:], blockNr); err != nil {
			return value, false
		}
		if pdata.ReadKind(blk.Data[:]) != kind {
			return value, false
		}
		n, err := node.Unmarshal(blk.Data[:], dec.Size)
		if err != nil {
			return value, false
		}
		idx := -1
		for i, k := range n.Keys {
			if k <= key {
				idx = i
			} else {
				break
			}
		}
		if idx < 0 {
			return value, false
		}
		if n.Head.Flags.IsLeaf() {
			if n.Keys[idx] != key {
				return value, false
			}
			v, err := dec.Decode(n.Values[idx])
			if err != nil {
				return value, false
			}
			return v, true
		}
		blockNr = n.Child(idx)
	}
}

func walk[V any](
	eng ioengine.Engine,
	kind uint32,
	dec Decoder[V],
	blockNr uint64,
	path Path,
	lo, hi uint64,
	v Visitor[V],
	seen visited,
) error {
	if _, ok := seen[blockNr]; ok {
		return nil
	}
	seen[blockNr] = struct{}{}

	blk, err := eng.ReadBlock(blockNr)
	if err != nil {
		if v.BadNode != nil {
			v.BadNode(path, blockNr, err)
		}
		return nil
	}
	if err := pdata.Validate(blk.Data[:], blockNr); err != nil {
		if v.BadNode != nil {
			v.BadNode(path, blockNr, err)
		}
		return nil
	}
	if gotKind := pdata.ReadKind(blk.Data[:]); gotKind != kind {
		if v.BadNode != nil {
			v.BadNode(path, blockNr, fmt.Errorf("block %d has kind %d, expected node kind %d", blockNr, gotKind, kind))
		}
		return nil
	}
	n, err := node.Unmarshal(blk.Data[:], dec.Size)
	if err != nil {
		if v.BadNode != nil {
			v.BadNode(path, blockNr, err)
		}
		return nil
	}
	if n.Head.BlockNr != blockNr {
		if v.BadNode != nil {
			v.BadNode(path, blockNr, fmt.Errorf("node claims block_nr=%d but was read from %d", n.Head.BlockNr, blockNr))
		}
		return nil
	}
	for _, k := range n.Keys {
		if k < lo || k > hi {
			if v.BadNode != nil {
				v.BadNode(path, blockNr, thinerr.NewBlock(thinerr.CodeKeyRangeViolated, blockNr,
					fmt.Errorf("key %d outside expected range [%d,%d]", k, lo, hi)))
			}
			return nil
		}
	}

	descend := true
	if v.Node != nil {
		descend = v.Node(path, n)
	}
	if !descend {
		return nil
	}

	childPath := append(append(Path{}, path...), PathElem{BlockNr: blockNr})

	if n.Head.Flags.IsInternal() {
		for i, k := range n.Keys {
			child := n.Child(i)
			follow := true
			if v.KeyPointer != nil {
				follow = v.KeyPointer(childPath, k, child)
			}
			if !follow {
				continue
			}
			childLo := k
			childHi := hi
			if i+1 < len(n.Keys) {
				childHi = n.Keys[i+1] - 1
			}
			elemPath := append(append(Path{}, childPath...))
			elemPath[len(elemPath)-1].Index = i
			if err := walk(eng, kind, dec, child, elemPath, childLo, childHi, v, seen); err != nil {
				return err
			}
		}
		return nil
	}

	if v.Leaf == nil {
		return nil
	}
	for i, k := range n.Keys {
		val, err := dec.Decode(n.Values[i])
		if err != nil {
			if v.BadNode != nil {
				v.BadNode(childPath, blockNr, fmt.Errorf("decoding value for key %d: %w", k, err))
			}
			continue
		}
		if err := v.Leaf(childPath, k, val); err != nil {
			if v.BadNode != nil {
				v.BadNode(childPath, blockNr, fmt.Errorf("key %d: %w", k, err))
			}
			continue
		}
	}
	return nil
}
