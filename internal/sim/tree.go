package sim

import (
	"gonum.org/v1/gonum/mat"

	"gatefit/internal/circuit"
	"gatefit/internal/model"
)

// evalTree groups a batch's circuits by shared prefixes so each distinct
// prefix product is computed exactly once. It is scoped to one batch and one
// frozen parameter vector; it is never reused across evaluations.
type evalTree struct {
	nodes    []treeNode
	circuits []int // node index of each circuit's full sequence
}

type treeNode struct {
	label    string
	parent   int
	children map[string]int
	product  *mat.Dense
}

// buildEvalTree inserts every circuit into a prefix trie. The root represents
// the empty circuit (identity product).
func buildEvalTree(circuits []circuit.Circuit) *evalTree {
	t := &evalTree{
		nodes:    []treeNode{{parent: -1, children: make(map[string]int)}},
		circuits: make([]int, len(circuits)),
	}
	for i, c := range circuits {
		node := 0
		for j := 0; j < c.Len(); j++ {
			label := c.At(j)
			child, ok := t.nodes[node].children[label]
			if !ok {
				child = len(t.nodes)
				t.nodes = append(t.nodes, treeNode{
					label:    label,
					parent:   node,
					children: make(map[string]int),
				})
				t.nodes[node].children[label] = child
			}
			node = child
		}
		t.circuits[i] = node
	}
	return t
}

// memoryEstimate is the bytes the tree's cached products will occupy.
func (t *evalTree) memoryEstimate(dim int) int64 {
	return int64(len(t.nodes)) * int64(dim) * int64(dim) * 8
}

// computeProducts fills every node's prefix product. Children multiply their
// layer's matrix onto the parent's cached product, so circuits sharing a
// prefix share all of that prefix's work.
func (t *evalTree) computeProducts(gs *model.GateSet) error {
	dim := gs.Dim()
	identity := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		identity.Set(i, i, 1)
	}
	t.nodes[0].product = identity

	// Nodes are appended in insertion order, so a parent always precedes its
	// children.
	for i := 1; i < len(t.nodes); i++ {
		node := &t.nodes[i]
		gate, ok := gs.Gate(node.label)
		if !ok {
			return &unknownOpError{label: node.label}
		}
		p := mat.NewDense(dim, dim, nil)
		p.Mul(gate.Matrix(), t.nodes[node.parent].product)
		node.product = p
	}
	return nil
}

// product returns the cached full-sequence product for circuit i.
func (t *evalTree) product(i int) *mat.Dense {
	return t.nodes[t.circuits[i]].product
}

type unknownOpError struct {
	label string
}

func (e *unknownOpError) Error() string {
	return "circuit uses unknown operation " + e.label
}
