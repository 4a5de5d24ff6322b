package cuda

import (
	"fmt"

	"github.com/samcharles93/spikegen/internal/codegen"
)

// GroupRange is the half-open global thread id range owned by one group.
type GroupRange struct {
	Name       string
	Start, End int
}

// Partition assigns each group a contiguous range padded to blockSize,
// starting at start.
func Partition(names []string, sizes []int, blockSize, start int) []GroupRange {
	out := make([]GroupRange, len(sizes))
	for i, size := range sizes {
		end := start + padSize(size, blockSize)
		out[i] = GroupRange{Name: names[i], Start: start, End: end}
		start = end
	}
	return out
}

// genParallelGroup emits the id-range cascade for groups and advances
// idStart past them. Inside each branch $(id) is the group-local index.
func genParallelGroup[G any](
	os *codegen.Stream,
	kernelSubs *codegen.Substitutions,
	blockSize int,
	idStart *int,
	groups []G,
	describe func(G) (name string, threads int),
	handler func(os *codegen.Stream, g G, popSubs *codegen.Substitutions) error,
) error {
	names := make([]string, len(groups))
	sizes := make([]int, len(groups))
	for i, g := range groups {
		names[i], sizes[i] = describe(g)
	}

	for i, r := range Partition(names, sizes, blockSize, *idStart) {
		os.Line("// %s", r.Name)
		header := fmt.Sprintf("if(id < %d)", r.End)
		if r.Start > 0 {
			header = fmt.Sprintf("if(id >= %d && id < %d)", r.Start, r.End)
		}
		if i > 0 {
			header = "else " + header
		}
		err := os.Scope(header, func() error {
			popSubs := codegen.NewSubstitutions(kernelSubs)
			if r.Start == 0 {
				popSubs.AddVar("id", "id")
			} else {
				os.Line("const unsigned int lid = id - %d;", r.Start)
				popSubs.AddVar("id", "lid")
			}
			return handler(os, groups[i], popSubs)
		})
		if err != nil {
			return err
		}
		*idStart = r.End
	}
	return nil
}
