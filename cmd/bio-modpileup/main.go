// Copyright 2023 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

/*
bio-modpileup aggregates base-modification calls (MM/ML tags) from a
sorted, indexed BAM into a per-reference-position extended bedMethyl
stream.
*/

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/modpileup/pileup"
)

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }
func (l *stringList) Set(s string) error {
	*l = append(*l, s)
	return nil
}

var (
	refPath          = flag.String("ref", pileup.DefaultOpts.RefPath, "Reference FASTA path; required with -cpg")
	bamIndexPath     = flag.String("index", pileup.DefaultOpts.BamIndexPath, "Input BAM index path. Defaults to bampath + .bai")
	region           = flag.String("region", pileup.DefaultOpts.Region, "Restrict pileup computation to the specified region. Format as <contig ID>:<1-based first pos>-<last pos>, <contig ID>:<1-based pos>, or just <contig ID>")
	cpg              = flag.Bool("cpg", pileup.DefaultOpts.CpG, "Restrict output to reference CpG sites")
	preset           = flag.String("preset", pileup.DefaultOpts.Preset, "Option bundle; 'traditional' = -cpg -collapse h -combine-strands")
	collapse         = flag.String("collapse", pileup.DefaultOpts.Collapse, "Fold this modification code's probability into the canonical mass")
	combineMods      = flag.Bool("combine-mods", pileup.DefaultOpts.CombineMods, "Merge all modification codes of a canonical base into one summary code")
	combineStrands   = flag.Bool("combine-strands", pileup.DefaultOpts.CombineStrands, "Fold minus-strand CpG counts onto the plus-strand anchor; requires -cpg")
	threshold        = flag.Float64("threshold", pileup.DefaultOpts.Threshold, "Probability floor below which calls fail; negative = estimate from data")
	noFiltering      = flag.Bool("no-filtering", pileup.DefaultOpts.NoFiltering, "Disable thresholding; every call passes")
	samplePercentile = flag.Float64("sample-probs-percentile", pileup.DefaultOpts.SamplePercentile, "Percentile of the sampled probability distribution used as the estimated threshold")
	sampleReads      = flag.Int("sample-reads", pileup.DefaultOpts.SampleReads, "Number of reads sampled for threshold estimation")
	samplingFrac     = flag.Float64("sampling-frac", pileup.DefaultOpts.SamplingFrac, "Sample this fraction of reads instead of a fixed count")
	sampleProbs      = flag.Bool("sample-probs", false, "Report the estimated per-code thresholds and exit")
	seed             = flag.Int64("seed", pileup.DefaultOpts.Seed, "Random seed for deterministic sampling")
	threads          = flag.Int("threads", pileup.DefaultOpts.Parallelism, "Maximum number of simultaneous pileup workers; 0 = runtime.NumCPU()")
	windowSize       = flag.Int("window-size", pileup.DefaultOpts.WindowSize, "Per-window reference span in bases")
	maxReadSpan      = flag.Int("max-read-span", pileup.DefaultOpts.MaxReadSpan, "Upper bound on the reference span of a read; used as window fetch padding")
	bedGraph         = flag.Bool("bedgraph", pileup.DefaultOpts.BedGraph, "Emit one bedGraph file per (modification code, strand) instead of bedMethyl")
	prefix           = flag.String("prefix", pileup.DefaultOpts.Prefix, "bedGraph output prefix; defaults to the output path minus its extension")
	logFilepath      = flag.String("log-filepath", "", "Write all log output, including debug messages, to this file instead of the default log destination")
)

func modPileupUsage() {
	fmt.Printf("Usage: %s [OPTIONS] bampath outpath\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func run() int {
	flag.Usage = modPileupUsage
	shutdown := grail.Init()
	defer shutdown()

	if *logFilepath != "" {
		f, err := os.Create(*logFilepath)
		if err != nil {
			log.Error.Printf("cannot open -log-filepath %s: %v", *logFilepath, err)
			return int(pileup.KindUsage)
		}
		defer f.Close() // nolint: errcheck
		log.SetOutputter(fileOutputter{f})
	}

	allArgs := flag.Args()
	nPositionalArgs := flag.NArg()
	positionalArgs := allArgs[len(allArgs)-nPositionalArgs:]
	if nPositionalArgs != 2 {
		log.Error.Printf("expected exactly two positional arguments (bampath and outpath); please check flag syntax: '%s'", strings.Join(positionalArgs, " "))
		return int(pileup.KindUsage)
	}
	opts := pileup.Opts{
		RefPath:          *refPath,
		BamIndexPath:     *bamIndexPath,
		Region:           *region,
		CpG:              *cpg,
		Preset:           *preset,
		Collapse:         *collapse,
		CombineMods:      *combineMods,
		CombineStrands:   *combineStrands,
		Threshold:        *threshold,
		PerModThresholds: []string(perModThresholdFlags),
		NoFiltering:      *noFiltering,
		SamplePercentile: *samplePercentile,
		SampleReads:      *sampleReads,
		SamplingFrac:     *samplingFrac,
		Seed:             *seed,
		SampleProbsOnly:  *sampleProbs,
		Parallelism:      *threads,
		WindowSize:       *windowSize,
		MaxReadSpan:      *maxReadSpan,
		BedGraph:         *bedGraph,
		Prefix:           *prefix,
	}
	ctx := vcontext.Background()
	if err := pileup.Pileup(ctx, positionalArgs[0], positionalArgs[1], &opts); err != nil {
		log.Error.Printf("%v", err)
		return pileup.ExitCode(err)
	}
	log.Debug.Printf("exiting")
	return 0
}

var perModThresholdFlags stringList

func init() {
	flag.Var(&perModThresholdFlags, "per-mod-threshold", "Per-code probability floor as CODE:FLOAT; repeatable")
}

func main() {
	os.Exit(run())
}
