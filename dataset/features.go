package dataset

import (
	"github.com/pkg/errors"
)

// Features is a per-entity feature table: row i holds the features of the
// entity with internal id i.
type Features interface {
	// NumRows returns the number of entities covered by the table.
	NumRows() int
	// NumCols returns the width of a dense feature row.
	NumCols() int
	// DenseRow writes the dense representation of row i into dst, which must
	// have length NumCols().
	DenseRow(i int32, dst []float32)
}

// SparseFeatures is a CSR-encoded table of one-hot (categorical) features.
// Column j corresponds to one (feature, value) pair, named in ColumnNames.
type SparseFeatures struct {
	ColumnNames []string

	// CSR layout: row i spans Indices[Indptr[i]:Indptr[i+1]] with the
	// corresponding Values. Indices must be < len(ColumnNames).
	Indptr  []int
	Indices []int32
	Values  []float32
}

var _ Features = (*SparseFeatures)(nil)

// NewSparseFeatures validates and wraps a CSR feature table.
func NewSparseFeatures(columnNames []string, indptr []int, indices []int32, values []float32) (*SparseFeatures, error) {
	if len(indptr) == 0 {
		return nil, errors.New("sparse features: indptr must have at least one entry")
	}
	if len(indices) != len(values) {
		return nil, errors.Errorf("sparse features: got %d indices but %d values", len(indices), len(values))
	}
	if indptr[len(indptr)-1] != len(indices) {
		return nil, errors.Errorf("sparse features: indptr ends at %d, want %d", indptr[len(indptr)-1], len(indices))
	}
	for _, j := range indices {
		if int(j) >= len(columnNames) || j < 0 {
			return nil, errors.Errorf("sparse features: column index %d out of range [0, %d)", j, len(columnNames))
		}
	}
	return &SparseFeatures{ColumnNames: columnNames, Indptr: indptr, Indices: indices, Values: values}, nil
}

func (f *SparseFeatures) NumRows() int { return len(f.Indptr) - 1 }
func (f *SparseFeatures) NumCols() int { return len(f.ColumnNames) }

// Row returns the column indices and values of row i. The slices alias the
// underlying storage and must not be modified.
func (f *SparseFeatures) Row(i int32) ([]int32, []float32) {
	start, end := f.Indptr[i], f.Indptr[i+1]
	return f.Indices[start:end], f.Values[start:end]
}

func (f *SparseFeatures) DenseRow(i int32, dst []float32) {
	for k := range dst {
		dst[k] = 0
	}
	indices, values := f.Row(i)
	for k, j := range indices {
		dst[j] = values[k]
	}
}

// Take builds a new table whose row k is row rows[k] of f. A negative entry
// in rows produces an all-zero row, which is how rows for synthetic entities
// (e.g. padding ids) are materialized.
func (f *SparseFeatures) Take(rows []int32) *SparseFeatures {
	indptr := make([]int, 1, len(rows)+1)
	var indices []int32
	var values []float32
	for _, r := range rows {
		if r >= 0 {
			rowIndices, rowValues := f.Row(r)
			indices = append(indices, rowIndices...)
			values = append(values, rowValues...)
		}
		indptr = append(indptr, len(indices))
	}
	names := make([]string, len(f.ColumnNames))
	copy(names, f.ColumnNames)
	return &SparseFeatures{ColumnNames: names, Indptr: indptr, Indices: indices, Values: values}
}

// ToDense materializes the whole table as a flat row-major []float32 of
// shape [NumRows, NumCols].
func (f *SparseFeatures) ToDense() []float32 {
	rows, cols := f.NumRows(), f.NumCols()
	dense := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		indices, values := f.Row(int32(i))
		base := i * cols
		for k, j := range indices {
			dense[base+int(j)] = values[k]
		}
	}
	return dense
}

// DenseFeatures is a plain row-major dense feature table.
type DenseFeatures struct {
	Cols int
	Data []float32 // len = rows*Cols
}

var _ Features = (*DenseFeatures)(nil)

// NewDenseFeatures wraps a row-major matrix as a feature table.
func NewDenseFeatures(cols int, data []float32) (*DenseFeatures, error) {
	if cols <= 0 {
		return nil, errors.Errorf("dense features: cols must be positive, got %d", cols)
	}
	if len(data)%cols != 0 {
		return nil, errors.Errorf("dense features: data length %d not divisible by cols %d", len(data), cols)
	}
	return &DenseFeatures{Cols: cols, Data: data}, nil
}

func (f *DenseFeatures) NumRows() int { return len(f.Data) / f.Cols }
func (f *DenseFeatures) NumCols() int { return f.Cols }

func (f *DenseFeatures) DenseRow(i int32, dst []float32) {
	copy(dst, f.Data[int(i)*f.Cols:(int(i)+1)*f.Cols])
}
