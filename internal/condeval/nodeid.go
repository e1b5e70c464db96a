package condeval

import "strconv"

// AssignNodeIDs walks the tree and stamps every node with a stable,
// deterministic NodeID derived from its position. The root is always
// "when" so RuleRuntimeState lookups for edge-trigger/cooldown tracking
// match the engine's convention; descendant "for" nodes get their own
// path-based id so nested continuity windows are tracked independently.
func AssignNodeIDs(root *Node) {
	if root == nil {
		return
	}
	root.NodeID = "when"
	assignChildren(root, "when")
}

func assignChildren(n *Node, prefix string) {
	if n == nil {
		return
	}
	for i, child := range n.Children {
		child.NodeID = prefix + "/" + string(n.Op) + "/" + strconv.Itoa(i)
		assignChildren(child, child.NodeID)
	}
	if n.Child != nil {
		n.Child.NodeID = prefix + "/" + string(n.Op) + "/child"
		assignChildren(n.Child, n.Child.NodeID)
	}
}
