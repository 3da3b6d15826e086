package repo

import (
	"context"
	"fmt"

	"github.com/xlab/treeprint"
)

// DumpMST renders t as an indented tree for CLI diagnostics: one branch per left/right subtree
// pointer, one leaf per key/value entry. Hydrates nodes as it walks, so a large on-disk tree
// should only be dumped against a ContentStore backed by local storage.
func DumpMST(ctx context.Context, t *MST) (string, error) {
	root := treeprint.New()
	if err := dumpMSTNode(ctx, t, root); err != nil {
		return "", err
	}
	return root.String(), nil
}

func dumpMSTNode(ctx context.Context, t *MST, into treeprint.Tree) error {
	if err := t.hydrate(ctx); err != nil {
		return err
	}
	if t.node.left != nil {
		if err := dumpMSTNode(ctx, t.node.left, into.AddBranch("left")); err != nil {
			return err
		}
	}
	for _, e := range t.node.entries {
		into.AddNode(fmt.Sprintf("%s -> %s", e.key, e.value))
		if e.right != nil {
			if err := dumpMSTNode(ctx, e.right, into.AddBranch(fmt.Sprintf("right of %s", e.key))); err != nil {
				return err
			}
		}
	}
	return nil
}
