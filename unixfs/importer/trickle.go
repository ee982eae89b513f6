package importer

// layerRepeat specifies how many times to append a child tree of a
// given depth. Higher values increase the width of a given node, which
// improves seek speeds.
const layerRepeat = 4

// trickleLayout builds a trickle DAG. Non-leaf nodes are first filled with
// data leaves and then take "layers" of subtrees as additional links, each
// layer limited to an increasing maximum depth, layerRepeat subtrees per
// depth. The first leaves stay next to the root, which suits sequential
// reads.
func trickleLayout(db *dagBuilder, first dagNode) (dagNode, error) {
	root := newFileNode()
	root.addChild(first)
	if err := fillTrickleRec(db, root, -1); err != nil {
		return dagNode{}, err
	}
	return db.commitRoot(root)
}

// fillTrickleRec fills a trickle (sub-)tree with an optional maximum depth
// when maxDepth is greater than zero, or with unlimited depth otherwise.
func fillTrickleRec(db *dagBuilder, node *fileNode, maxDepth int) error {
	// Always do this, even in the base case
	for node.numChildren() < db.settings.MaxLinks && !db.Done() {
		child, err := db.nextStoredLeaf()
		if err != nil {
			return err
		}
		node.addChild(child)
	}

	for depth := 1; ; depth++ {
		// Apply depth limit only if the parameter is set (> 0).
		if db.Done() || (maxDepth > 0 && depth == maxDepth) {
			break
		}
		for layer := 0; layer < layerRepeat; layer++ {
			if db.Done() {
				break
			}

			sub := newFileNode()
			if err := fillTrickleRec(db, sub, depth); err != nil {
				return err
			}
			child, err := db.commitFile(sub)
			if err != nil {
				return err
			}
			node.addChild(child)
		}
	}
	return db.err
}
