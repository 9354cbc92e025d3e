package datasets

import (
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BatchIterator produces an infinite sequence of padded mini-batches from a
// SequenceDataset, drawing every example exactly once per epoch and rolling
// into the next epoch when the remaining pool runs out. Restarting from
// scratch means constructing a new iterator (or, through the gomlx
// train.Dataset adapter, calling Reset).
//
// It is single-consumer: one goroutine pulls batches, there is no internal
// queue or background work.
type BatchIterator struct {
	ds   SequenceDataset
	name string

	// perReplica is the batch size as given to NewBatchIterator; batchSize
	// is perReplica multiplied by the replica count, the total drawn per call.
	perReplica, batchSize int

	sorted     bool
	replicas   int
	backend    backends.Backend
	sparsifier Sparsifier
	rng        *rand.Rand

	// pool holds the example indices not yet drawn this epoch, in ascending
	// order. Ascending index order is the dataset's global order, which for
	// sorted-mode batching the loader keeps sorted by sequence length.
	pool  []int
	epoch int
}

// MiniBatch is one yield of the iterator.
type MiniBatch struct {
	// Size is the number of examples drawn; smaller than the configured
	// batch size only for the final batch of an epoch.
	Size int

	// Epoch is the zero-based epoch the examples were drawn from.
	Epoch int

	// Shards partition the batch contiguously along the batch axis.
	// Unreplicated iterators produce exactly one shard spanning the whole
	// batch; replicated ones produce one per replica, except on a short
	// epoch-final batch, where the count drops to the largest divisor of the
	// short length that still fits.
	Shards []Shard
}

// Shard is one replica's contiguous slice of a mini-batch.
type Shard struct {
	// Inputs is [n, maxT, F] float32, zero-filled beyond each example's true
	// frame count.
	Inputs *tensors.Tensor

	// Labels is the sparse form of this slice of the [n, maxL] label matrix,
	// PaddedValue-filled beyond each example's true label length.
	Labels *SparseLabels

	// SeqLengths is [n] int32, each example's true frame count.
	SeqLengths *tensors.Tensor

	// Names holds each example's display name: its source base name cut at
	// the first dot.
	Names []string
}

// NewBatchIterator creates an iterator over ds drawing batchSize examples per
// call (multiplied by the replica count, if Replicas is configured). It
// starts in sorted mode with a time-seeded random source; adjust with the
// chainable configuration methods before the first Next call.
func NewBatchIterator(ds SequenceDataset, batchSize int) (*BatchIterator, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "dataset must be non-empty")
	}
	if batchSize < 1 {
		return nil, errors.Wrapf(ErrInvalidArgument, "batch size %d must be positive", batchSize)
	}
	return &BatchIterator{
		ds:         ds,
		name:       fmt.Sprintf("sequences(%s)", ds.Role()),
		perReplica: batchSize,
		batchSize:  batchSize,
		sorted:     true,
		replicas:   1,
		sparsifier: SparsifyLabels,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		pool:       fullPool(ds.Len()),
	}, nil
}

// Sorted selects the draw mode: true draws the head of the remaining pool in
// dataset order (length-homogeneous batches when the loader sorted by
// length), false draws uniformly at random without replacement.
//
// It returns the modified iterator, so calls can be cascaded.
func (it *BatchIterator) Sorted(sorted bool) *BatchIterator {
	it.sorted = sorted
	return it
}

// Replicas configures how many contiguous shards each batch is split into.
// The total drawn per call becomes the constructed batch size times n.
// Replicated iterators need a backend (WithBackend) to materialize shards.
//
// It returns the modified iterator, so calls can be cascaded.
func (it *BatchIterator) Replicas(n int) *BatchIterator {
	if n < 1 {
		exceptions.Panicf("Replicas(%d): replica count must be >= 1", n)
	}
	it.replicas = n
	it.batchSize = it.perReplica * n
	return it
}

// WithBackend sets the execution backend shards are materialized with.
// Required when Replicas > 1.
//
// It returns the modified iterator, so calls can be cascaded.
func (it *BatchIterator) WithBackend(backend backends.Backend) *BatchIterator {
	it.backend = backend
	return it
}

// WithRand sets the random number generator used for drawing and in-batch
// shuffling, allowing deterministic batching. The default is seeded with the
// current nanosecond time.
//
// It returns the modified iterator, so calls can be cascaded.
func (it *BatchIterator) WithRand(rng *rand.Rand) *BatchIterator {
	it.rng = rng
	return it
}

// WithSparsifier replaces the label sparsification function. The default is
// SparsifyLabels.
//
// It returns the modified iterator, so calls can be cascaded.
func (it *BatchIterator) WithSparsifier(fn Sparsifier) *BatchIterator {
	it.sparsifier = fn
	return it
}

// WithName sets the iterator name used in logs and by the train.Dataset
// adapter. The default is derived from the dataset role.
//
// It returns the modified iterator, so calls can be cascaded.
func (it *BatchIterator) WithName(name string) *BatchIterator {
	it.name = name
	return it
}

// Epoch returns the zero-based epoch the next batch will be drawn from.
func (it *BatchIterator) Epoch() int { return it.epoch }

// Next produces the next mini-batch, using the configured batch size.
func (it *BatchIterator) Next() (*MiniBatch, error) {
	return it.NextN(it.batchSize)
}

// NextN produces the next mini-batch with a one-off total batch size,
// overriding the configured one for this call only.
func (it *BatchIterator) NextN(batchSize int) (*MiniBatch, error) {
	if batchSize < 1 {
		return nil, errors.Wrapf(ErrInvalidArgument, "batch size %d must be positive", batchSize)
	}
	if it.replicas > 1 && it.backend == nil {
		return nil, errors.Wrap(ErrInvalidArgument,
			"replicated batching needs an execution backend, configure one with WithBackend")
	}

	// Decide the shard count before touching the pool, so rejected calls
	// leave the epoch state intact.
	rollover := len(it.pool) <= batchSize
	numShards := 1
	if it.replicas > 1 {
		if rollover {
			numShards = splitCount(len(it.pool), it.replicas)
		} else if batchSize%it.replicas != 0 {
			return nil, errors.Wrapf(ErrInvalidArgument,
				"batch size %d is not divisible by %d replicas", batchSize, it.replicas)
		} else {
			numShards = it.replicas
		}
	}

	// Draw indices; at epoch rollover the whole remaining pool becomes one
	// short batch and the pool refills for the next call.
	var drawn []int
	switch {
	case rollover:
		drawn = it.pool
		it.pool = fullPool(it.ds.Len())
	case it.sorted:
		drawn, it.pool = drawHead(it.pool, batchSize)
	default:
		drawn, it.pool = drawSample(it.rng, it.pool, batchSize)
	}

	// Randomize example position within the batch. For sorted draws this
	// varies order while keeping the batch length-homogeneous.
	it.rng.Shuffle(len(drawn), func(i, j int) { drawn[i], drawn[j] = drawn[j], drawn[i] })

	c := it.collate(drawn)
	shards, err := it.shardBatch(c, numShards)
	if err != nil {
		return nil, err
	}

	mb := &MiniBatch{Size: c.n, Epoch: it.epoch, Shards: shards}
	if rollover {
		it.epoch++
		if it.ds.Role() == RoleTrain {
			klog.V(1).Infof("%s: epoch %d exhausted, next batch starts epoch %d", it.name, mb.Epoch, it.epoch)
		}
	}
	return mb, nil
}

// fullPool returns {0, ..., n-1}.
func fullPool(n int) []int {
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}
	return pool
}

// drawHead draws the first n pool entries in order. Pure: the input slice is
// not modified.
func drawHead(pool []int, n int) (drawn, rest []int) {
	drawn = slices.Clone(pool[:n])
	rest = slices.Clone(pool[n:])
	return
}

// drawSample draws n distinct entries uniformly at random. Pure: the input
// slice is not modified, and rest keeps the pool's ascending order.
func drawSample(rng *rand.Rand, pool []int, n int) (drawn, rest []int) {
	cp := slices.Clone(pool)
	for i := 0; i < n; i++ {
		j := i + rng.Intn(len(cp)-i)
		cp[i], cp[j] = cp[j], cp[i]
	}
	drawn = cp[:n]
	rest = cp[n:]
	slices.Sort(rest)
	return
}

// collated holds the padded batch arrays before tensor conversion and
// sharding. inputs is row-major [n, maxT, featureWidth], labels row-major
// [n, maxL].
type collated struct {
	inputs  []float32
	labels  []int32
	lengths []int32
	names   []string

	n, maxT, maxL, featureWidth int
}

// collate pads the drawn examples into rectangular buffers: inputs
// zero-filled past each true frame count, labels PaddedValue-filled past each
// true label length.
func (it *BatchIterator) collate(indices []int) *collated {
	f := it.ds.FeatureWidth()
	n := len(indices)
	maxT, maxL := 0, 0
	for _, idx := range indices {
		_, frameCount := it.ds.Sequence(idx)
		maxT = max(maxT, frameCount)
		maxL = max(maxL, len(it.ds.Labels(idx)))
	}

	c := &collated{
		inputs:       make([]float32, n*maxT*f),
		labels:       make([]int32, n*maxL),
		lengths:      make([]int32, n),
		names:        make([]string, n),
		n:            n,
		maxT:         maxT,
		maxL:         maxL,
		featureWidth: f,
	}
	for i := range c.labels {
		c.labels[i] = PaddedValue
	}
	for row, idx := range indices {
		frames, frameCount := it.ds.Sequence(idx)
		copy(c.inputs[row*maxT*f:], frames[:frameCount*f])
		copy(c.labels[row*maxL:(row+1)*maxL], it.ds.Labels(idx))
		c.lengths[row] = int32(frameCount)
		c.names[row] = displayName(it.ds.SourcePath(idx))
	}
	return c
}
