package importer

import "errors"

// balancedLayout builds a balanced DAG over the leaves: every link node is
// filled to MaxLinks before the tree grows a level. first is the already
// stored first leaf and at least one more leaf must follow it.
//
// The first root is the first leaf; each time the tree of a given depth is
// full it becomes the first child of a new root one level deeper:
//
//	depth 0       depth 1       depth 2
//	  ┌─┐          ┌──┐           ┌──┐
//	  │ │          │  │           │  │
//	  └─┘          └──┘           └──┘
//	              ╱ ╲  ╲         ╱    ╲
//	            ┌─┐ ┌─┐ ┌─┐    ┌──┐  ┌──┐
//	            └─┘ └─┘ └─┘    └──┘  └──┘
//	                           ╱ ╲    ╱ ╲
func balancedLayout(db *dagBuilder, first dagNode) (dagNode, error) {
	root := first
	for depth := 1; ; depth++ {
		newRoot := newFileNode()
		newRoot.addChild(root)

		if err := fillNodeRec(db, newRoot, depth); err != nil {
			return dagNode{}, err
		}
		if db.Done() {
			if db.err != nil {
				return dagNode{}, db.err
			}
			return db.commitRoot(newRoot)
		}

		var err error
		root, err = db.commitFile(newRoot)
		if err != nil {
			return dagNode{}, err
		}
	}
}

// fillNodeRec adds children to node until it holds MaxLinks or the input is
// exhausted. At depth 1 the children are leaves, deeper they are link nodes
// filled the same way.
func fillNodeRec(db *dagBuilder, node *fileNode, depth int) error {
	if depth < 1 {
		return errors.New("attempt to fillNode at depth < 1")
	}

	for node.numChildren() < db.settings.MaxLinks && !db.Done() {
		var child dagNode
		var err error
		if depth == 1 {
			child, err = db.nextStoredLeaf()
		} else {
			sub := newFileNode()
			if err = fillNodeRec(db, sub, depth-1); err == nil {
				child, err = db.commitFile(sub)
			}
		}
		if err != nil {
			return err
		}
		node.addChild(child)
	}
	return db.err
}
