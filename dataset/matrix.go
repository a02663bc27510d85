package dataset

import "sort"

// CSRMatrix is a sparse user-item matrix in compressed sparse row format.
// Row u lists the internal item ids user u interacted with.
type CSRMatrix struct {
	NumCols int
	Indptr  []int
	Indices []int32
	Data    []float32
}

// NumRows returns the number of rows.
func (m *CSRMatrix) NumRows() int { return len(m.Indptr) - 1 }

// Row returns the column indices and values of row u, sorted by column.
// The slices alias the underlying storage.
func (m *CSRMatrix) Row(u int32) ([]int32, []float32) {
	start, end := m.Indptr[u], m.Indptr[u+1]
	return m.Indices[start:end], m.Data[start:end]
}

// RowSet returns the columns of row u as a set.
func (m *CSRMatrix) RowSet(u int32) map[int32]struct{} {
	cols, _ := m.Row(u)
	set := make(map[int32]struct{}, len(cols))
	for _, c := range cols {
		set[c] = struct{}{}
	}
	return set
}

type matrixEntry struct {
	row, col int32
	value    float32
}

// buildCSR assembles a CSR matrix from unordered entries, summing duplicates.
func buildCSR(numRows, numCols int, entries []matrixEntry) *CSRMatrix {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].row != entries[j].row {
			return entries[i].row < entries[j].row
		}
		return entries[i].col < entries[j].col
	})
	m := &CSRMatrix{
		NumCols: numCols,
		Indptr:  make([]int, numRows+1),
	}
	for i := 0; i < len(entries); {
		e := entries[i]
		value := e.value
		i++
		for i < len(entries) && entries[i].row == e.row && entries[i].col == e.col {
			value += entries[i].value
			i++
		}
		m.Indices = append(m.Indices, e.col)
		m.Data = append(m.Data, value)
		m.Indptr[e.row+1] = len(m.Indices)
	}
	for r := 1; r <= numRows; r++ {
		if m.Indptr[r] < m.Indptr[r-1] {
			m.Indptr[r] = m.Indptr[r-1]
		}
	}
	return m
}
