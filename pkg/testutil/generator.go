// Package testutil provides hierarchy fixtures and assertions shared by the
// package tests. All generators produce deterministic output for
// reproducible tests.
package testutil

import (
	"fmt"
	"math/rand"
	"slices"
	"time"
)

// Fixture is an abstract hierarchy: every key of Children is an inner node,
// everything else is a leaf.
type Fixture struct {
	Description string              `json:"description"`
	Root        string              `json:"root"`
	Children    map[string][]string `json:"children"`
}

// Nodes returns every node below the root in pre-order.
func (f Fixture) Nodes() []string {
	var out []string
	var walk func(string)
	walk = func(n string) {
		for _, c := range f.Children[n] {
			out = append(out, c)
			walk(c)
		}
	}
	walk(f.Root)
	return out
}

// Flatten returns the pre-order rows of the hierarchy when exactly the
// nodes in expanded show their children. The root is always expanded.
func (f Fixture) Flatten(expanded map[string]bool) []string {
	var out []string
	var walk func(string)
	walk = func(n string) {
		for _, c := range f.Children[n] {
			out = append(out, c)
			if expanded[c] {
				walk(c)
			}
		}
	}
	walk(f.Root)
	return out
}

// Depth returns the depth of the deepest node, the root being 0.
func (f Fixture) Depth() int {
	var depth func(string) int
	depth = func(n string) int {
		best := 0
		for _, c := range f.Children[n] {
			best = max(best, 1+depth(c))
		}
		return best
	}
	return depth(f.Root)
}

// GeneratorConfig controls fixture generation.
type GeneratorConfig struct {
	Seed     int64  // Random seed for determinism (0 = use current time)
	IDPrefix string // Prefix for node names (default: "n")
}

// DefaultConfig returns a config suitable for most tests.
func DefaultConfig() GeneratorConfig {
	return GeneratorConfig{
		Seed:     42, // Deterministic
		IDPrefix: "n",
	}
}

// Generator creates hierarchy fixtures with various shapes.
type Generator struct {
	cfg  GeneratorConfig
	rng  *rand.Rand
	next int
}

// New creates a Generator with the given config.
func New(cfg GeneratorConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = "n"
	}
	return &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// NewDefault creates a Generator with default config.
func NewDefault() *Generator {
	return New(DefaultConfig())
}

func (g *Generator) name() string {
	n := fmt.Sprintf("%s%d", g.cfg.IDPrefix, g.next)
	g.next++
	return n
}

func (g *Generator) start() Fixture {
	g.next = 0
	return Fixture{Root: "root", Children: make(map[string][]string)}
}

// Chain creates a single path root -> n0 -> n1 -> ... -> n{depth-1}.
func (g *Generator) Chain(depth int) Fixture {
	f := g.start()
	parent := f.Root
	for range depth {
		child := g.name()
		f.Children[parent] = []string{child}
		parent = child
	}
	f.Description = fmt.Sprintf("Chain of %d nodes", depth)
	return f
}

// Star creates a root with spokes leaf children.
func (g *Generator) Star(spokes int) Fixture {
	f := g.start()
	for range spokes {
		f.Children[f.Root] = append(f.Children[f.Root], g.name())
	}
	f.Description = fmt.Sprintf("Star with %d leaves", spokes)
	return f
}

// Tree creates a complete tree with given depth and branching factor.
func (g *Generator) Tree(depth, breadth int) Fixture {
	if depth < 1 {
		depth = 1
	}
	if breadth < 1 {
		breadth = 1
	}

	f := g.start()
	level := []string{f.Root}
	for range depth {
		var next []string
		for _, parent := range level {
			for range breadth {
				child := g.name()
				f.Children[parent] = append(f.Children[parent], child)
				next = append(next, child)
			}
		}
		level = next
	}
	f.Description = fmt.Sprintf("Tree with depth=%d, breadth=%d (%d nodes)", depth, breadth, len(f.Nodes()))
	return f
}

// Random creates size nodes, each attached to a uniformly chosen earlier
// node (or the root), with at most maxChildren children per node.
func (g *Generator) Random(size, maxChildren int) Fixture {
	f := g.start()
	candidates := []string{f.Root}
	for range size {
		i := g.rng.Intn(len(candidates))
		parent := candidates[i]
		child := g.name()
		f.Children[parent] = append(f.Children[parent], child)
		if maxChildren > 0 && len(f.Children[parent]) >= maxChildren {
			candidates = slices.Delete(candidates, i, i+1)
		}
		candidates = append(candidates, child)
	}
	f.Description = fmt.Sprintf("Random tree of %d nodes (max %d children)", size, maxChildren)
	return f
}
