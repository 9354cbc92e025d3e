// Package datasets supplies padded mini-batches of variable-length sequence
// data (speech frames and the like) together with their variable-length label
// sequences, ready for consumption by a training loop.
//
// The central type is BatchIterator: it owns the set of not-yet-drawn example
// indices for the current epoch and, on each call to Next, selects a batch of
// indices (length-sorted head or uniform random), pads the selected sequences
// into rectangular tensors, converts the label matrix to a sparse
// representation, and optionally splits everything into per-replica shards.
//
// Loading data into memory stays outside the iterator: any collaborator
// implementing SequenceDataset can feed it. InMemorySequences is the concrete
// implementation provided here, built either from pre-populated slices or
// from CSV feature files (see LoadCSV).
package datasets

import "github.com/pkg/errors"

// Role says what a dataset is used for. Batch iterators only emit their
// next-epoch notice for training datasets.
type Role string

const (
	RoleTrain Role = "train"
	RoleDev   Role = "dev"
	RoleTest  Role = "test"
)

// ErrInvalidArgument marks caller contract violations, e.g. requesting
// replicated batches without a backend configured. Match with errors.Is.
var ErrInvalidArgument = errors.New("invalid argument")

// SequenceDataset is the data source contract a BatchIterator consumes: an
// ordered, immutable collection of variable-length sequences with a fixed
// per-frame feature width.
//
// Implementations are expected to be fully populated before batching starts;
// the iterator does no validation of per-index consistency beyond what the
// collaborator guarantees.
type SequenceDataset interface {
	// Len returns the number of sequences. Must be > 0.
	Len() int

	// FeatureWidth returns F, the fixed number of features per frame.
	FeatureWidth() int

	// Sequence returns the frames of example i as a row-major [frameCount, F]
	// buffer, along with the true frame count.
	Sequence(i int) (frames []float32, frameCount int)

	// Labels returns the label sequence of example i.
	Labels(i int) []int32

	// SourcePath returns the path example i was loaded from. Display names
	// are derived from it (base name, cut at the first dot).
	SourcePath(i int) string

	// Role returns the dataset's declared role.
	Role() Role
}
