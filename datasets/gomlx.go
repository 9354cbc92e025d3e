package datasets

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// BatchIterator plugs directly into gomlx training loops.
var _ train.Dataset = (*BatchIterator)(nil)

// Name implements train.Dataset.
func (it *BatchIterator) Name() string { return it.name }

// Reset implements train.Dataset: the remaining pool refills and the epoch
// count restarts, as if the iterator had been freshly constructed (the
// random source is kept).
func (it *BatchIterator) Reset() {
	it.pool = fullPool(it.ds.Len())
	it.epoch = 0
}

// Yield implements train.Dataset for unreplicated iterators. It never
// returns io.EOF: production is infinite across epochs, so drive training
// with step counts rather than epoch counts.
//
// Inputs are {padded inputs [n, maxT, F], sequence lengths [n]}; labels are
// the sparse triple {indices [nnz, 2], values [nnz], dense shape [2]}.
// Example names are not part of the tensor flow and are only available
// through Next.
func (it *BatchIterator) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if it.replicas > 1 {
		err = errors.Wrap(ErrInvalidArgument,
			"Yield serves single-replica training; drive replicated batching with Next")
		return
	}
	mb, err := it.Next()
	if err != nil {
		return
	}
	sh := mb.Shards[0]
	inputs = []*tensors.Tensor{sh.Inputs, sh.SeqLengths}
	labels = []*tensors.Tensor{sh.Labels.Indices, sh.Labels.Values, sh.Labels.DenseShape()}
	return nil, inputs, labels, nil
}
