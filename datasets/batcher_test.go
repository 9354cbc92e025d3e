package datasets

import (
	"fmt"
	"math/rand"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const testFeatureWidth = 2

// newTestDataset builds an in-memory dataset where every frame value of
// example i is float32(i+1), so padding (zeros) is distinguishable from real
// data, and names are "utt000", "utt001", ...
func newTestDataset(t *testing.T, role Role, frameCounts []int, labels [][]int32) *InMemorySequences {
	t.Helper()
	require.Equal(t, len(frameCounts), len(labels))
	utts := make([]Utterance, len(frameCounts))
	for i, fc := range frameCounts {
		frames := make([]float32, fc*testFeatureWidth)
		for j := range frames {
			frames[j] = float32(i + 1)
		}
		utts[i] = Utterance{
			Frames:     frames,
			FrameCount: fc,
			Labels:     labels[i],
			Path:       fmt.Sprintf("assets/utt%03d.feat.csv", i),
		}
	}
	ds, err := NewInMemorySequences(role, testFeatureWidth, utts)
	require.NoError(t, err)
	return ds
}

// exampleIndex recovers the dataset index from a display name ("utt004" -> 4).
func exampleIndex(t *testing.T, name string) int {
	t.Helper()
	idx, err := strconv.Atoi(strings.TrimPrefix(name, "utt"))
	require.NoError(t, err)
	return idx
}

func batchIndices(t *testing.T, mb *MiniBatch) []int {
	t.Helper()
	var indices []int
	for _, sh := range mb.Shards {
		for _, name := range sh.Names {
			indices = append(indices, exampleIndex(t, name))
		}
	}
	return indices
}

func TestBatchIterator_SortedDrawsContiguousBlocks(t *testing.T) {
	// Lengths already globally sorted, as the loader guarantees.
	ds := newTestDataset(t, RoleTrain,
		[]int{3, 3, 4, 4, 5},
		[][]int32{{1}, {2, 3}, {4}, {5, 6, 7}, {8}})
	it, err := NewBatchIterator(ds, 2)
	require.NoError(t, err)
	it.WithRand(rand.New(rand.NewSource(42)))

	// Batch 1: indices {0, 1} in some order, padded to maxT=3.
	mb, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, 2, mb.Size)
	require.Equal(t, 0, mb.Epoch)
	require.Len(t, mb.Shards, 1)
	got := batchIndices(t, mb)
	slices.Sort(got)
	require.Equal(t, []int{0, 1}, got)
	require.Equal(t, []int{2, 3, testFeatureWidth}, mb.Shards[0].Inputs.Shape().Dimensions)

	// Batch 2: indices {2, 3}, padded to maxT=4.
	mb, err = it.Next()
	require.NoError(t, err)
	got = batchIndices(t, mb)
	slices.Sort(got)
	require.Equal(t, []int{2, 3}, got)
	require.Equal(t, []int{2, 4, testFeatureWidth}, mb.Shards[0].Inputs.Shape().Dimensions)

	// Batch 3: the short remainder {4} rolls the epoch over.
	mb, err = it.Next()
	require.NoError(t, err)
	require.Equal(t, 1, mb.Size)
	require.Equal(t, 0, mb.Epoch)
	require.Equal(t, []int{4}, batchIndices(t, mb))
	require.Equal(t, []int{1, 5, testFeatureWidth}, mb.Shards[0].Inputs.Shape().Dimensions)

	// Next call starts epoch 1 from a full pool.
	mb, err = it.Next()
	require.NoError(t, err)
	require.Equal(t, 1, mb.Epoch)
	got = batchIndices(t, mb)
	slices.Sort(got)
	require.Equal(t, []int{0, 1}, got)
}

func TestBatchIterator_EpochCoverage(t *testing.T) {
	const n = 10
	frameCounts := make([]int, n)
	labels := make([][]int32, n)
	for i := range frameCounts {
		frameCounts[i] = i + 2
		labels[i] = []int32{int32(i)}
	}

	for _, sorted := range []bool{true, false} {
		t.Run(fmt.Sprintf("sorted=%v", sorted), func(t *testing.T) {
			ds := newTestDataset(t, RoleDev, frameCounts, labels)
			it, err := NewBatchIterator(ds, 3)
			require.NoError(t, err)
			it.Sorted(sorted).WithRand(rand.New(rand.NewSource(7)))

			// Two full epochs: every index appears exactly once per epoch,
			// with no repeats before the epoch is exhausted.
			for epoch := 0; epoch < 2; epoch++ {
				seen := make(map[int]int)
				total := 0
				for total < n {
					mb, err := it.Next()
					require.NoError(t, err)
					require.Equal(t, epoch, mb.Epoch)
					for _, idx := range batchIndices(t, mb) {
						seen[idx]++
					}
					total += mb.Size
				}
				require.Equal(t, n, total)
				require.Len(t, seen, n)
				for idx, count := range seen {
					require.Equalf(t, 1, count, "index %d drawn %d times in epoch %d", idx, count, epoch)
				}
			}
		})
	}
}

func TestBatchIterator_PaddingAndLengths(t *testing.T) {
	ds := newTestDataset(t, RoleDev,
		[]int{2, 5, 3},
		[][]int32{{1, 2}, {3}, {4, 5, 6, 7}})

	var denses []capturedDense
	it, err := NewBatchIterator(ds, 3)
	require.NoError(t, err)
	it.WithRand(rand.New(rand.NewSource(3))).WithSparsifier(capturingSparsifier(&denses))

	mb, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, 3, mb.Size)
	sh := mb.Shards[0]

	// maxT and maxL are the true maxima among the drawn examples.
	const maxT, maxL = 5, 4
	require.Equal(t, []int{3, maxT, testFeatureWidth}, sh.Inputs.Shape().Dimensions)
	require.Len(t, denses, 1)
	require.Equal(t, maxL, denses[0].cols)

	lengths := tensors.CopyFlatData[int32](sh.SeqLengths)
	inputs := tensors.CopyFlatData[float32](sh.Inputs)
	for row, name := range sh.Names {
		idx := exampleIndex(t, name)
		_, frameCount := ds.Sequence(idx)
		require.Equal(t, int32(frameCount), lengths[row])

		// Real values are idx+1 up to the true length, zero beyond.
		rowData := inputs[row*maxT*testFeatureWidth : (row+1)*maxT*testFeatureWidth]
		for j, v := range rowData {
			if j < frameCount*testFeatureWidth {
				require.Equalf(t, float32(idx+1), v, "row %d element %d", row, j)
			} else {
				require.Zerof(t, v, "row %d element %d should be padding", row, j)
			}
		}

		// Label rows: true sequence first, sentinel beyond.
		wantLabels := ds.Labels(idx)
		labelRow := denses[0].labels[row*maxL : (row+1)*maxL]
		for j, v := range labelRow {
			if j < len(wantLabels) {
				require.Equal(t, wantLabels[j], v)
			} else {
				require.Equal(t, PaddedValue, v)
			}
		}
	}
}

func TestBatchIterator_SingleExampleBatch(t *testing.T) {
	ds := newTestDataset(t, RoleTest, []int{4, 7}, [][]int32{{1}, {2, 3}})
	it, err := NewBatchIterator(ds, 1)
	require.NoError(t, err)
	it.WithRand(rand.New(rand.NewSource(5)))

	mb, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, 1, mb.Size)
	idx := batchIndices(t, mb)[0]
	_, frameCount := ds.Sequence(idx)
	// A batch of one pads to exactly its own length.
	require.Equal(t, []int{1, frameCount, testFeatureWidth}, mb.Shards[0].Inputs.Shape().Dimensions)
}

func TestBatchIterator_NextNOverride(t *testing.T) {
	ds := newTestDataset(t, RoleDev,
		[]int{2, 3, 4, 5, 6}, [][]int32{{1}, {1}, {1}, {1}, {1}})
	it, err := NewBatchIterator(ds, 2)
	require.NoError(t, err)
	it.WithRand(rand.New(rand.NewSource(11)))

	mb, err := it.NextN(3)
	require.NoError(t, err)
	require.Equal(t, 3, mb.Size)

	// The override is per call; the next draw reverts to the configured size.
	mb, err = it.Next()
	require.NoError(t, err)
	require.Equal(t, 2, mb.Size)
}

func TestBatchIterator_DeterministicWithSeed(t *testing.T) {
	frameCounts := []int{2, 3, 4, 5, 6, 7, 8}
	labels := make([][]int32, len(frameCounts))
	for i := range labels {
		labels[i] = []int32{int32(i)}
	}

	draw := func(seed int64) []string {
		ds := newTestDataset(t, RoleDev, frameCounts, labels)
		it, err := NewBatchIterator(ds, 2)
		require.NoError(t, err)
		it.Sorted(false).WithRand(rand.New(rand.NewSource(seed)))
		var names []string
		for i := 0; i < 6; i++ {
			mb, err := it.Next()
			require.NoError(t, err)
			names = append(names, mb.Shards[0].Names...)
		}
		return names
	}

	require.Equal(t, draw(99), draw(99))
}

func TestBatchIterator_InvalidArguments(t *testing.T) {
	ds := newTestDataset(t, RoleDev, []int{2, 3}, [][]int32{{1}, {2}})

	_, err := NewBatchIterator(nil, 2)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewBatchIterator(ds, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)

	it, err := NewBatchIterator(ds, 2)
	require.NoError(t, err)
	_, err = it.NextN(0)
	require.ErrorIs(t, err, ErrInvalidArgument)

	// Replicated production without a backend fails before any batch work.
	it, err = NewBatchIterator(ds, 1)
	require.NoError(t, err)
	it.Replicas(2)
	_, err = it.Next()
	require.ErrorIs(t, err, ErrInvalidArgument)

	require.Panics(t, func() { it.Replicas(0) })
}

// capturedDense records the dense label matrix handed to the sparsifier.
type capturedDense struct {
	labels     []int32
	rows, cols int
}

func capturingSparsifier(dst *[]capturedDense) Sparsifier {
	return func(labels []int32, rows, cols int, paddedValue int32) (*SparseLabels, error) {
		*dst = append(*dst, capturedDense{labels: slices.Clone(labels), rows: rows, cols: cols})
		return SparsifyLabels(labels, rows, cols, paddedValue)
	}
}

func TestBatchIterator_SparsifierErrorsPropagate(t *testing.T) {
	ds := newTestDataset(t, RoleDev, []int{2, 3}, [][]int32{{1}, {2}})
	it, err := NewBatchIterator(ds, 2)
	require.NoError(t, err)
	boom := errors.New("boom")
	it.WithSparsifier(func([]int32, int, int, int32) (*SparseLabels, error) {
		return nil, boom
	})
	_, err = it.Next()
	require.ErrorIs(t, err, boom)
}
