package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New([]string{".som"})
	require.NoError(t, r.Register("/proj/a.som", "/proj/a.som", []string{"./b.som"}, nil, Imports{}, 10))
	require.NoError(t, r.Register("/proj/b.som", "/proj/b.som", nil, nil, Imports{}, 5))

	require.True(t, r.Has("/proj/a.som"))
	m, ok := r.Get("/proj/a.som")
	require.True(t, ok)
	require.Equal(t, []string{"/proj/b.som"}, m.Dependencies)
	require.Equal(t, []string{"/proj/a.som"}, r.GetDependents("/proj/b.som"))
}

func TestRegisterInvalidID(t *testing.T) {
	r := New([]string{".som"})
	err := r.Register("relative/path", "relative/path", nil, nil, Imports{}, 0)
	require.Error(t, err)
}

func TestRegisterIdempotent(t *testing.T) {
	r := New([]string{".som"})
	require.NoError(t, r.Register("/proj/a.som", "/proj/a.som", nil, nil, Imports{}, 1))
	require.NoError(t, r.Register("/proj/a.som", "/proj/a.som", nil, nil, Imports{}, 2))
	require.Len(t, r.GetAll(), 1)
}

func TestDependentsDependenciesInvariant(t *testing.T) {
	r := New([]string{".som"})
	require.NoError(t, r.Register("/proj/a.som", "/proj/a.som", []string{"./b.som", "./c.som"}, nil, Imports{}, 1))
	require.NoError(t, r.Register("/proj/b.som", "/proj/b.som", []string{"./c.som"}, nil, Imports{}, 1))
	require.NoError(t, r.Register("/proj/c.som", "/proj/c.som", nil, nil, Imports{}, 1))

	for _, m := range r.GetAll() {
		for _, dep := range m.Dependencies {
			target, ok := r.Get(dep)
			if !ok {
				continue
			}
			require.Contains(t, target.Dependents, m.ID)
		}
	}
}

func TestTopologicalSortLinearChain(t *testing.T) {
	r := New([]string{".som"})
	require.NoError(t, r.Register("/proj/a.som", "/proj/a.som", []string{"./b.som"}, nil, Imports{}, 1))
	require.NoError(t, r.Register("/proj/b.som", "/proj/b.som", []string{"./c.som"}, nil, Imports{}, 1))
	require.NoError(t, r.Register("/proj/c.som", "/proj/c.som", nil, nil, Imports{}, 1))

	order, err := r.GetTopologicalSort()
	require.NoError(t, err)
	require.Equal(t, []string{"/proj/c.som", "/proj/b.som", "/proj/a.som"}, order)
}

func TestTopologicalSortDiamond(t *testing.T) {
	r := New([]string{".som"})
	require.NoError(t, r.Register("/proj/a.som", "/proj/a.som", []string{"./b.som", "./c.som"}, nil, Imports{}, 1))
	require.NoError(t, r.Register("/proj/b.som", "/proj/b.som", []string{"./d.som"}, nil, Imports{}, 1))
	require.NoError(t, r.Register("/proj/c.som", "/proj/c.som", []string{"./d.som"}, nil, Imports{}, 1))
	require.NoError(t, r.Register("/proj/d.som", "/proj/d.som", nil, nil, Imports{}, 1))

	order, err := r.GetTopologicalSort()
	require.NoError(t, err)
	require.Equal(t, "/proj/d.som", order[0])
	require.Equal(t, "/proj/a.som", order[len(order)-1])

	indexOfID := func(id string) int {
		for i, v := range order {
			if v == id {
				return i
			}
		}
		return -1
	}
	require.Less(t, indexOfID("/proj/b.som"), indexOfID("/proj/a.som"))
	require.Less(t, indexOfID("/proj/c.som"), indexOfID("/proj/a.som"))
}

func TestTopologicalSortCycleErrors(t *testing.T) {
	r := New([]string{".som"})
	require.NoError(t, r.Register("/proj/a.som", "/proj/a.som", []string{"./b.som"}, nil, Imports{}, 1))
	require.NoError(t, r.Register("/proj/b.som", "/proj/b.som", []string{"./a.som"}, nil, Imports{}, 1))

	_, err := r.GetTopologicalSort()
	require.Error(t, err)

	cycles := r.FindCircularDependencies()
	require.NotEmpty(t, cycles)
}

func TestCycleEnumerationEmptyIffTopoSortSucceeds(t *testing.T) {
	acyclic := New([]string{".som"})
	require.NoError(t, acyclic.Register("/proj/a.som", "/proj/a.som", []string{"./b.som"}, nil, Imports{}, 1))
	require.NoError(t, acyclic.Register("/proj/b.som", "/proj/b.som", nil, nil, Imports{}, 1))
	_, err := acyclic.GetTopologicalSort()
	require.NoError(t, err)
	require.Empty(t, acyclic.FindCircularDependencies())

	cyclic := New([]string{".som"})
	require.NoError(t, cyclic.Register("/proj/a.som", "/proj/a.som", []string{"./b.som"}, nil, Imports{}, 1))
	require.NoError(t, cyclic.Register("/proj/b.som", "/proj/b.som", []string{"./a.som"}, nil, Imports{}, 1))
	_, err = cyclic.GetTopologicalSort()
	require.Error(t, err)
	require.NotEmpty(t, cyclic.FindCircularDependencies())
}

func TestGetStatistics(t *testing.T) {
	r := New([]string{".som"})
	require.NoError(t, r.Register("/proj/a.som", "/proj/a.som", []string{"./b.som"}, nil, Imports{}, 1))
	require.NoError(t, r.Register("/proj/b.som", "/proj/b.som", nil, nil, Imports{}, 1))

	stats := r.GetStatistics()
	require.Equal(t, 2, stats.TotalModules)
	require.Equal(t, 1, stats.TotalDependencies)
	require.Equal(t, 0, stats.CircularDependencyCount)
}

func TestGetEntryPointsAndDeadCode(t *testing.T) {
	r := New([]string{".som"})
	require.NoError(t, r.Register("/proj/a.som", "/proj/a.som", []string{"./b.som"}, nil, Imports{}, 1))
	require.NoError(t, r.Register("/proj/b.som", "/proj/b.som", nil, nil, Imports{}, 1))

	require.Equal(t, []string{"/proj/b.som"}, r.GetEntryPoints())
	require.Equal(t, []string{"/proj/a.som"}, r.GetDeadCodeCandidates())
}

func TestGetDependencyTreeMarksCircular(t *testing.T) {
	r := New([]string{".som"})
	require.NoError(t, r.Register("/proj/a.som", "/proj/a.som", []string{"./b.som"}, nil, Imports{}, 1))
	require.NoError(t, r.Register("/proj/b.som", "/proj/b.som", []string{"./a.som"}, nil, Imports{}, 1))

	tree := r.GetDependencyTree("/proj/a.som")
	require.Equal(t, "/proj/a.som", tree.ID)
	require.Len(t, tree.Children, 1)
	require.Equal(t, "/proj/b.som", tree.Children[0].ID)
	require.Len(t, tree.Children[0].Children, 1)
	require.True(t, tree.Children[0].Children[0].Circular)
}

func TestEdgeResolutionAgainstExtensionlessSpecifier(t *testing.T) {
	r := New([]string{".som", ".js"})
	require.NoError(t, r.Register("/proj/b.som", "/proj/b.som", nil, nil, Imports{}, 1))
	require.NoError(t, r.Register("/proj/a.som", "/proj/a.som", []string{"./b"}, nil, Imports{}, 1))

	m, ok := r.Get("/proj/a.som")
	require.True(t, ok)
	require.Equal(t, []string{"/proj/b.som"}, m.Dependencies)
}
