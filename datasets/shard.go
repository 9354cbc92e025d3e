package datasets

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// splitCount returns how many contiguous shards a batch of batchLen examples
// is divided into at epoch rollover: the largest divisor of batchLen that is
// <= replicas, so no shard is empty and all shards are equal. With no
// divisor above 1 this degrades to a single shard, trading the caller's
// parallelism for correctness.
func splitCount(batchLen, replicas int) int {
	if replicas > batchLen {
		replicas = batchLen
	}
	for n := replicas; n > 1; n-- {
		if batchLen%n == 0 {
			return n
		}
	}
	return 1
}

// shardBatch slices the collated arrays into numShards equal contiguous
// shards along the batch axis, sparsifies each shard's label slice, and, for
// replicated iterators, materializes the shard tensors through the backend.
// numShards must divide c.n.
func (it *BatchIterator) shardBatch(c *collated, numShards int) ([]Shard, error) {
	per := c.n / numShards
	f := c.featureWidth
	shards := make([]Shard, 0, numShards)
	for s := 0; s < numShards; s++ {
		lo, hi := s*per, (s+1)*per

		var inputsT, lengthsT *tensors.Tensor
		err := exceptions.TryCatch[error](func() {
			inputsT = tensors.FromFlatDataAndDimensions(
				c.inputs[lo*c.maxT*f:hi*c.maxT*f], per, c.maxT, f)
			lengthsT = tensors.FromFlatDataAndDimensions(c.lengths[lo:hi], per)
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "building shard %d of %d", s, numShards)
		}

		sparse, err := it.sparsifier(c.labels[lo*c.maxL:hi*c.maxL], per, c.maxL, PaddedValue)
		if err != nil {
			return nil, errors.WithMessagef(err, "sparsifying labels of shard %d of %d", s, numShards)
		}

		if it.replicas > 1 {
			err := exceptions.TryCatch[error](func() {
				for _, t := range []*tensors.Tensor{inputsT, lengthsT, sparse.Indices, sparse.Values} {
					t.MaterializeOnDevices(it.backend, false, 0)
				}
			})
			if err != nil {
				return nil, errors.WithMessagef(err, "materializing shard %d of %d on device", s, numShards)
			}
		}

		shards = append(shards, Shard{
			Inputs:     inputsT,
			Labels:     sparse,
			SeqLengths: lengthsT,
			Names:      c.names[lo:hi],
		})
	}
	return shards, nil
}
