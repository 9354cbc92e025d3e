package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// Utterance is one pre-loaded example: its frames, label sequence and the
// path it came from.
type Utterance struct {
	// Frames holds the feature frames, row-major [FrameCount, featureWidth].
	Frames []float32

	// FrameCount is the number of frames (the sequence's true length).
	FrameCount int

	// Labels is the label id sequence.
	Labels []int32

	// Path is the source file the utterance was loaded from.
	Path string
}

// InMemorySequences is a SequenceDataset holding every example in memory.
// Populate it from slices with NewInMemorySequences or from disk with
// LoadCSV, and call SortByFrameCount before sorted-mode batching.
type InMemorySequences struct {
	role         Role
	featureWidth int
	utts         []Utterance
}

// NewInMemorySequences builds a dataset from pre-populated utterances. Every
// utterance must carry FrameCount*featureWidth frame values.
func NewInMemorySequences(role Role, featureWidth int, utts []Utterance) (*InMemorySequences, error) {
	if featureWidth < 1 {
		return nil, errors.Errorf("feature width %d must be positive", featureWidth)
	}
	if len(utts) == 0 {
		return nil, errors.New("dataset needs at least one utterance")
	}
	for i, u := range utts {
		if len(u.Frames) != u.FrameCount*featureWidth {
			return nil, errors.Errorf("utterance #%d (%s): %d frame values, want %d (%d frames x %d features)",
				i, u.Path, len(u.Frames), u.FrameCount*featureWidth, u.FrameCount, featureWidth)
		}
	}
	return &InMemorySequences{role: role, featureWidth: featureWidth, utts: utts}, nil
}

// Len implements SequenceDataset.
func (ds *InMemorySequences) Len() int { return len(ds.utts) }

// FeatureWidth implements SequenceDataset.
func (ds *InMemorySequences) FeatureWidth() int { return ds.featureWidth }

// Sequence implements SequenceDataset.
func (ds *InMemorySequences) Sequence(i int) ([]float32, int) {
	u := &ds.utts[i]
	return u.Frames, u.FrameCount
}

// Labels implements SequenceDataset.
func (ds *InMemorySequences) Labels(i int) []int32 { return ds.utts[i].Labels }

// SourcePath implements SequenceDataset.
func (ds *InMemorySequences) SourcePath(i int) string { return ds.utts[i].Path }

// Role implements SequenceDataset.
func (ds *InMemorySequences) Role() Role { return ds.role }

// SortByFrameCount orders the utterances by ascending frame count (stable),
// establishing the global length order sorted-mode batching relies on to
// keep batches length-homogeneous. Call it before constructing an iterator,
// not after.
//
// It returns the modified dataset, so calls can be cascaded.
func (ds *InMemorySequences) SortByFrameCount() *InMemorySequences {
	sort.SliceStable(ds.utts, func(i, j int) bool {
		return ds.utts[i].FrameCount < ds.utts[j].FrameCount
	})
	return ds
}

// LoadCSV loads a dataset from disk: one CSV feature file per utterance
// (header-less; each row is one frame, each column one feature) matched by
// featuresGlob, plus a labels CSV at labelsPath with one record per
// utterance: name,space-separated label ids. Utterance names are the feature
// file base names cut at the first dot.
//
// With showProgress set, a progress bar tracks the files loaded.
func LoadCSV(featuresGlob, labelsPath string, role Role, showProgress bool) (*InMemorySequences, error) {
	paths, err := filepath.Glob(featuresGlob)
	if err != nil {
		return nil, errors.Wrapf(err, "globbing %q", featuresGlob)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no feature files match %q", featuresGlob)
	}
	sort.Strings(paths)

	labelsByName, err := readLabelsCSV(labelsPath)
	if err != nil {
		return nil, err
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription(fmt.Sprintf("loading %d %s files", len(paths), role)),
			progressbar.OptionUseANSICodes(true),
		)
	}

	featureWidth := 0
	utts := make([]Utterance, 0, len(paths))
	for _, p := range paths {
		frames, frameCount, width, err := readFramesCSV(p)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading features from %q", p)
		}
		if featureWidth == 0 {
			featureWidth = width
		} else if width != featureWidth {
			return nil, errors.Errorf("%s: %d features per frame, want %d", p, width, featureWidth)
		}
		name := displayName(p)
		labels, ok := labelsByName[name]
		if !ok {
			return nil, errors.Errorf("%s: no label sequence for %q in %s", p, name, labelsPath)
		}
		utts = append(utts, Utterance{Frames: frames, FrameCount: frameCount, Labels: labels, Path: p})
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Close()
		fmt.Println()
	}
	return NewInMemorySequences(role, featureWidth, utts)
}

// readFramesCSV reads one utterance's feature file: row-major frames plus
// the frame count and feature width.
func readFramesCSV(path string) (frames []float32, frameCount, width int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	for {
		record, readErr := reader.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, 0, 0, readErr
		}
		if width == 0 {
			width = len(record)
		} else if len(record) != width {
			return nil, 0, 0, errors.Errorf("frame %d has %d features, want %d", frameCount, len(record), width)
		}
		for _, field := range record {
			v, parseErr := parseFloat32(field)
			if parseErr != nil {
				return nil, 0, 0, errors.Wrapf(parseErr, "frame %d", frameCount)
			}
			frames = append(frames, v)
		}
		frameCount++
	}
	if frameCount == 0 {
		return nil, 0, 0, errors.New("no frames")
	}
	return frames, frameCount, width, nil
}

// readLabelsCSV reads the utterance-name -> label-sequence mapping.
func readLabelsCSV(path string) (map[string][]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening labels file %q", path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 2
	labels := make(map[string][]int32)
	for {
		record, readErr := reader.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, errors.Wrapf(readErr, "reading labels file %q", path)
		}
		seq, parseErr := parseInt32s(record[1])
		if parseErr != nil {
			return nil, errors.WithMessagef(parseErr, "labels for %q", record[0])
		}
		labels[record[0]] = seq
	}
	if len(labels) == 0 {
		return nil, errors.Errorf("labels file %q is empty", path)
	}
	return labels, nil
}
