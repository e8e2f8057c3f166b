// Package triangularmatrix implements a sparse lower-triangular store,
// used by the station-coincidence analyzer to keep one histogram per
// unordered pair of stations without allocating the full (and mostly
// empty) N×N matrix.
package triangularmatrix

// Matrix is a sparse lower-triangular store indexed by (i, j) with
// i > j. It is intentionally map-backed: the set of station pairs
// that ever co-occur is a small, unpredictable subset of all pairs,
// so dense indexing would waste memory without bound as the station
// count grows.
type Matrix[T any] struct {
	diag  int // current diagonal size, from Increase()
	cells map[pairKey]T
}

type pairKey struct {
	i, j int
}

// New creates an empty Matrix.
func New[T any]() *Matrix[T] {
	return &Matrix[T]{cells: make(map[pairKey]T)}
}

// Increase appends one row/column to the diagonal, growing the
// logical matrix size by one.
func (m *Matrix[T]) Increase() {
	m.diag++
}

// Diagonal returns the current logical matrix size.
func (m *Matrix[T]) Diagonal() int {
	return m.diag
}

// Emplace stores v at (i, j); the two indices may be given in either
// order.
func (m *Matrix[T]) Emplace(i, j int, v T) {
	if i <= j {
		i, j = j, i
	}
	m.cells[pairKey{i, j}] = v
}

// Get retrieves the value at (i, j), if present.
func (m *Matrix[T]) Get(i, j int) (T, bool) {
	if i <= j {
		i, j = j, i
	}
	v, ok := m.cells[pairKey{i, j}]
	return v, ok
}

// GetOrCreate returns the existing value at (i, j), creating it via
// create() and storing it first if absent.
func (m *Matrix[T]) GetOrCreate(i, j int, create func() T) T {
	if i <= j {
		i, j = j, i
	}
	key := pairKey{i, j}
	if v, ok := m.cells[key]; ok {
		return v
	}
	v := create()
	m.cells[key] = v
	return v
}

// Pair identifies one stored (i, j) cell together with its value.
type Pair[T any] struct {
	I, J  int
	Value T
}

// Pairs returns every populated (i, j) cell.
func (m *Matrix[T]) Pairs() []Pair[T] {
	out := make([]Pair[T], 0, len(m.cells))
	for k, v := range m.cells {
		out = append(out, Pair[T]{I: k.i, J: k.j, Value: v})
	}
	return out
}

// Len returns the number of populated cells.
func (m *Matrix[T]) Len() int {
	return len(m.cells)
}
