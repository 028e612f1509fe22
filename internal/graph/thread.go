package graph

import (
	"context"
	"slices"
	"strings"

	"github.com/sandwichfarm/feedgraph/internal/model"
)

// ThreadInfo describes where a post sits in its conversation
type ThreadInfo struct {
	Root      *model.Post // most distant known ancestor, nil for a root post
	Parent    *model.Post // direct reply target, nil if not a reply or unknown
	Receivers []string    // handles addressed in the body
}

// IsReply returns true if the post answers another post
func (ti *ThreadInfo) IsReply() bool {
	return ti.Parent != nil
}

// IsRoot returns true if the post starts a conversation
func (ti *ThreadInfo) IsRoot() bool {
	return ti.Root == nil
}

// RootOrSelf returns the conversation root, or p if p is the root
func (ti *ThreadInfo) RootOrSelf(p *model.Post) *model.Post {
	if ti.Root != nil {
		return ti.Root
	}
	return p
}

// Thread summarizes p's place in its conversation
func (g *Graph) Thread(ctx context.Context, p *model.Post, force bool) *ThreadInfo {
	info := &ThreadInfo{Receivers: p.ReceiverHandles()}
	if p.IsReply() {
		parent, err := g.ReplyParent(ctx, p, force)
		if err == nil {
			info.Parent = parent
		}
	}
	if root := g.Ancestor(ctx, p, force); root != p {
		info.Root = root
	}
	return info
}

// ThreadNode is one post of a rendered conversation tree
type ThreadNode struct {
	Post  *model.Post
	Depth int
}

// Tree flattens the reply tree under root depth first, children in id
// order. Reshares are not part of the tree.
func (g *Graph) Tree(root *model.Post) []ThreadNode {
	if root == nil {
		return nil
	}
	seen := make(map[int64]struct{})
	var out []ThreadNode
	var visit func(p *model.Post, depth int)
	visit = func(p *model.Post, depth int) {
		if _, ok := seen[p.ID()]; ok {
			return
		}
		seen[p.ID()] = struct{}{}
		out = append(out, ThreadNode{Post: p, Depth: depth})
		for _, child := range p.Children() {
			visit(child, depth+1)
		}
	}
	visit(root, 0)
	return out
}

// IsMentioning reports whether p addresses handle
func IsMentioning(p *model.Post, handle string) bool {
	handle = strings.TrimPrefix(handle, "@")
	return slices.ContainsFunc(p.ReceiverHandles(), func(h string) bool {
		return strings.EqualFold(h, handle)
	})
}
