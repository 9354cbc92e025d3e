// Command batchstats loads a CSV sequence dataset, runs one epoch of padded
// mini-batches through the batch iterator, and reports how much of each
// input tensor is padding. Optionally it saves a histogram of sequence
// lengths, which is what sorted-mode batching exploits.
//
// Example:
//
//	batchstats -features 'assets/train/*.csv' -labels assets/train/labels.csv \
//	    -batch-size 32 -hist lengths.png
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/Noofbiz/seqBowl/datasets"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

func main() {
	featuresFlag := flag.String("features", "", "glob pattern for per-utterance feature CSV files")
	labelsFlag := flag.String("labels", "", "path to the labels CSV (utterance name -> space-separated label ids)")
	batchFlag := flag.Int("batch-size", 32, "examples per mini-batch")
	sortedFlag := flag.Bool("sorted", true, "sort by length and draw length-homogeneous batches instead of uniform random ones")
	seedFlag := flag.Int64("seed", time.Now().UnixNano(), "random seed for batch composition")
	histFlag := flag.String("hist", "", "if set, save a sequence-length histogram PNG to this path")
	progressFlag := flag.Bool("progress", true, "show a progress bar while loading")
	klog.InitFlags(nil)
	flag.Parse()

	if *featuresFlag == "" || *labelsFlag == "" {
		flag.Usage()
		os.Exit(2)
	}

	ds, err := datasets.LoadCSV(*featuresFlag, *labelsFlag, datasets.RoleTrain, *progressFlag)
	if err != nil {
		klog.Exitf("loading dataset: %+v", err)
	}
	if *sortedFlag {
		ds.SortByFrameCount()
	}

	it, err := datasets.NewBatchIterator(ds, *batchFlag)
	if err != nil {
		klog.Exitf("creating batch iterator: %+v", err)
	}
	it.Sorted(*sortedFlag).WithRand(rand.New(rand.NewSource(*seedFlag)))

	var numBatches, seen int
	var realFrames, paddedFrames int64
	for seen < ds.Len() {
		mb, err := it.Next()
		if err != nil {
			klog.Exitf("producing batch %d: %+v", numBatches, err)
		}
		for _, sh := range mb.Shards {
			maxT := sh.Inputs.Shape().Dimensions[1]
			lengths := tensors.CopyFlatData[int32](sh.SeqLengths)
			for _, l := range lengths {
				realFrames += int64(l)
				paddedFrames += int64(maxT)
			}
		}
		seen += mb.Size
		numBatches++
	}

	mode := "shuffled"
	if *sortedFlag {
		mode = "sorted"
	}
	fmt.Printf("dataset: %d utterances, %d features per frame\n", ds.Len(), ds.FeatureWidth())
	fmt.Printf("epoch:   %d batches of up to %d examples (%s mode)\n", numBatches, *batchFlag, mode)
	fmt.Printf("frames:  %d real / %d allocated (%.1f%% padding waste)\n",
		realFrames, paddedFrames, 100*float64(paddedFrames-realFrames)/float64(paddedFrames))

	if *histFlag != "" {
		if err := saveLengthHistogram(ds, *histFlag); err != nil {
			klog.Exitf("saving histogram: %+v", err)
		}
		fmt.Printf("wrote sequence-length histogram to %s\n", *histFlag)
	}
}

func saveLengthHistogram(ds *datasets.InMemorySequences, outPath string) error {
	values := make(plotter.Values, ds.Len())
	for i := range values {
		_, frameCount := ds.Sequence(i)
		values[i] = float64(frameCount)
	}

	p := plot.New()
	p.Title.Text = "Sequence lengths"
	p.X.Label.Text = "frames"
	p.Y.Label.Text = "utterances"

	h, err := plotter.NewHist(values, 16)
	if err != nil {
		return err
	}
	p.Add(h)

	return p.Save(8*vg.Inch, 6*vg.Inch, outPath)
}
