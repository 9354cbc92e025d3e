package datasets

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// PaddedValue is the sentinel written into label matrix positions beyond an
// example's true label length. Sparsification drops entries equal to it.
const PaddedValue int32 = -1

// SparseLabels encodes a padded label matrix without its padding: only
// positions holding a real label appear, as (row, col) coordinates with their
// values. This is the triple format CTC-style losses consume.
type SparseLabels struct {
	// Indices is shaped [nnz, 2] int32; each row is a (row, col) coordinate
	// into the dense matrix, in row-major scan order.
	Indices *tensors.Tensor

	// Values is shaped [nnz] int32, aligned with Indices.
	Values *tensors.Tensor

	// NumRows and NumCols are the dense matrix dimensions.
	NumRows, NumCols int
}

// DenseShape returns the dense [NumRows, NumCols] shape as an int32 tensor
// of two elements, the way sparse-tensor consumers expect it.
func (s *SparseLabels) DenseShape() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions([]int32{int32(s.NumRows), int32(s.NumCols)}, 2)
}

// Sparsifier converts a dense row-major label matrix (rows×cols entries in
// labels) into its sparse representation, excluding positions equal to
// paddedValue. BatchIterator uses SparsifyLabels unless WithSparsifier
// replaces it.
type Sparsifier func(labels []int32, rows, cols int, paddedValue int32) (*SparseLabels, error)

// SparsifyLabels is the default Sparsifier.
func SparsifyLabels(labels []int32, rows, cols int, paddedValue int32) (*SparseLabels, error) {
	if len(labels) != rows*cols {
		return nil, errors.Errorf("sparsify: got %d label entries, want %d for a [%d, %d] matrix",
			len(labels), rows*cols, rows, cols)
	}
	indices := make([]int32, 0, 2*len(labels))
	values := make([]int32, 0, len(labels))
	for r := 0; r < rows; r++ {
		row := labels[r*cols : (r+1)*cols]
		for c, v := range row {
			if v == paddedValue {
				continue
			}
			indices = append(indices, int32(r), int32(c))
			values = append(values, v)
		}
	}
	nnz := len(values)
	return &SparseLabels{
		Indices: tensors.FromFlatDataAndDimensions(indices, nnz, 2),
		Values:  tensors.FromFlatDataAndDimensions(values, nnz),
		NumRows: rows,
		NumCols: cols,
	}, nil
}
