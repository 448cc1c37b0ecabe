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

// Package pileup aggregates base-modification calls from an indexed BAM
// into per-reference-position counters and emits them as extended
// bedMethyl (or bedGraph).
//
// The genome is partitioned into fixed-size windows processed by a worker
// pool; each worker projects MM/ML calls onto the reference through read
// alignments, classifies them against probability thresholds (explicit or
// estimated from a sampled distribution of the data), and tallies them per
// (position, strand, modification code).  A single writer reorders window
// results so the output stream is globally sorted.
package pileup

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/bio/encoding/bamprovider"
	"github.com/grailbio/bio/interval"
	"github.com/grailbio/modpileup/mod"
)

// PosType is the integer type used to represent genomic positions.
type PosType = interval.PosType

// Opts carries the commandline configuration of the pileup subcommand.
type Opts struct {
	// RefPath is the reference FASTA; required when CpG filtering (or
	// anything implying it) is enabled.
	RefPath string
	// BamIndexPath overrides the default bampath + ".bai".
	BamIndexPath string
	// Region restricts the pileup to CONTIG[:START-END].
	Region string

	// CpG restricts emission to reference CG sites.
	CpG bool
	// Preset names a canned option bundle; "traditional" equals
	// -cpg -collapse h -combine-strands.
	Preset string
	// Collapse names a modification code whose probability is folded into
	// the canonical mass before classification.
	Collapse string
	// CombineMods merges all modification codes of a canonical base into
	// the uppercase summary code.
	CombineMods bool
	// CombineStrands folds minus-strand counts of a strand-symmetric motif
	// site onto the plus-strand anchor; requires CpG.
	CombineStrands bool

	// Threshold is the single probability floor; negative means unset.
	Threshold float64
	// PerModThresholds holds CODE:FLOAT per-code overrides.
	PerModThresholds []string
	// NoFiltering disables thresholding entirely.
	NoFiltering bool
	// SamplePercentile is the percentile of the sampled probability
	// distribution used as the estimated threshold.
	SamplePercentile float64
	// SampleReads is the reservoir size for threshold estimation.
	SampleReads int
	// SamplingFrac, when positive, samples reads by fraction instead of by
	// fixed count.
	SamplingFrac float64
	// Seed makes sampling deterministic.
	Seed int64
	// SampleProbsOnly reports the estimated thresholds and exits without
	// running the pileup.
	SampleProbsOnly bool

	// Parallelism is the worker count; 0 = runtime.NumCPU().
	Parallelism int
	// WindowSize is the per-window reference span.
	WindowSize int
	// MaxReadSpan bounds the reference span of any read; it is the padding
	// used when fetching reads for a window.
	MaxReadSpan int

	// BedGraph selects the alternate per-(code,strand) bedGraph emission.
	BedGraph bool
	// Prefix overrides the bedGraph output prefix (default: the output path
	// minus its extension).
	Prefix string
}

// DefaultOpts mirrors the flag defaults.
var DefaultOpts = Opts{
	Threshold:        -1,
	SamplePercentile: 10,
	SampleReads:      10042,
	Seed:             0,
	Parallelism:      0,
	WindowSize:       100000,
	MaxReadSpan:      100000,
}

// run is the resolved, immutable configuration shared by all workers.
type run struct {
	provider       bamprovider.Provider
	thresholds     *mod.Thresholds
	transform      mod.Transform
	motif          *MotifIndex
	combineStrands bool
	maxReadSpan    int
	parallelism    int
}

func parsePerModThresholds(specs []string) (map[byte]float64, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make(map[byte]float64)
	for _, s := range specs {
		parts := strings.SplitN(s, ":", 2)
		if len(parts) != 2 || len(parts[0]) != 1 {
			return nil, fmt.Errorf("per-mod threshold %q is not of the form CODE:FLOAT", s)
		}
		code := parts[0][0]
		if _, ok := mod.CanonicalBase(code); !ok {
			return nil, fmt.Errorf("per-mod threshold names unknown modification code %q", parts[0])
		}
		v, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || v < 0 || v > 1 {
			return nil, fmt.Errorf("per-mod threshold %q is not a probability", s)
		}
		out[code] = v
	}
	return out, nil
}

// validate applies the preset, cross-checks flag combinations, and returns
// the transform.  All failures here are usage errors.
func validate(opts *Opts) (mod.Transform, error) {
	var tr mod.Transform
	switch opts.Preset {
	case "":
	case "traditional":
		opts.CpG = true
		opts.CombineStrands = true
		if opts.Collapse == "" {
			opts.Collapse = "h"
		}
	default:
		return tr, usageErrorf("unknown preset %q", opts.Preset)
	}
	if opts.Collapse != "" {
		if len(opts.Collapse) != 1 {
			return tr, usageErrorf("-collapse takes a single modification code, got %q", opts.Collapse)
		}
		code := opts.Collapse[0]
		if _, ok := mod.CanonicalBase(code); !ok {
			return tr, usageErrorf("-collapse names unknown modification code %q", opts.Collapse)
		}
		tr.Ignore = code
	}
	tr.CombineMods = opts.CombineMods
	if opts.CombineStrands && !opts.CpG {
		return tr, usageErrorf("-combine-strands requires -cpg")
	}
	if opts.CpG && opts.RefPath == "" {
		return tr, usageErrorf("-cpg requires -ref")
	}
	if opts.NoFiltering && (opts.Threshold >= 0 || len(opts.PerModThresholds) != 0) {
		return tr, usageErrorf("-no-filtering cannot be combined with explicit thresholds")
	}
	if opts.Threshold > 1 {
		return tr, usageErrorf("-threshold must be a probability")
	}
	if opts.SamplePercentile < 0 || opts.SamplePercentile > 100 {
		return tr, usageErrorf("-sample-probs-percentile must be in [0, 100]")
	}
	if opts.SamplingFrac < 0 || opts.SamplingFrac > 1 {
		return tr, usageErrorf("-sampling-frac must be in [0, 1]")
	}
	if opts.WindowSize <= 0 {
		return tr, usageErrorf("-window-size must be positive")
	}
	if opts.MaxReadSpan <= 0 {
		return tr, usageErrorf("-max-read-span must be positive")
	}
	return tr, nil
}

// resolveThresholds picks explicit thresholds when given, and otherwise
// estimates them from a sampled probability distribution.
func resolveThresholds(ctx context.Context, provider bamprovider.Provider, opts *Opts, tr mod.Transform) (*mod.Thresholds, error) {
	if opts.NoFiltering {
		return &mod.Thresholds{}, nil
	}
	perMod, err := parsePerModThresholds(opts.PerModThresholds)
	if err != nil {
		return nil, usageErrorf("%v", err)
	}
	if opts.Threshold >= 0 || len(perMod) != 0 {
		th := &mod.Thresholds{PerCode: perMod}
		if opts.Threshold >= 0 {
			th.Default = opts.Threshold
		}
		return th, nil
	}
	log.Printf("pileup: estimating thresholds (percentile %g, seed %d)", opts.SamplePercentile, opts.Seed)
	sample, err := sampleCallProbs(ctx, provider, tr, opts.SampleReads, opts.SamplingFrac, opts.Seed)
	if err != nil {
		return nil, runtimeError(err)
	}
	th := estimateThresholds(sample, opts.SamplePercentile)
	log.Printf("pileup: sampled %d of %d eligible reads, default threshold %.6f", len(sample.reads), sample.nEligible, th.Default)
	return th, nil
}

// reportThresholds prints the estimated per-code thresholds as TSV, for
// the sample-probs mode.
func reportThresholds(th *mod.Thresholds, percentile float64) error {
	w := tsv.NewWriter(os.Stdout)
	w.WriteString("code")
	w.WriteString("percentile")
	w.WriteString("threshold")
	if err := w.EndLine(); err != nil {
		return err
	}
	codes := make([]byte, 0, len(th.PerCode))
	for code := range th.PerCode {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	for _, code := range codes {
		w.WriteByte(code)
		w.WriteFloat64(percentile, 'f', 1)
		w.WriteFloat64(th.PerCode[code], 'f', 6)
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

func trimExt(path string) string {
	if i := strings.LastIndexByte(path, '.'); i > strings.LastIndexByte(path, '/') {
		return path[:i]
	}
	return path
}

// Pileup runs the whole pipeline: open and validate inputs, build the
// motif emission set, resolve thresholds, then schedule windows.
func Pileup(ctx context.Context, bamPath, outPath string, opts *Opts) (err error) {
	tr, err := validate(opts)
	if err != nil {
		return err
	}
	var region *interval.Entry
	if opts.Region != "" {
		entry, regionErr := interval.ParseRegionString(opts.Region)
		if regionErr != nil {
			return usageErrorf("bad -region: %v", regionErr)
		}
		region = &entry
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}

	provider := bamprovider.NewProvider(bamPath, bamprovider.ProviderOpts{Index: opts.BamIndexPath})
	defer func() {
		if e := provider.Close(); e != nil && err == nil {
			err = runtimeError(e)
		}
	}()
	header, err := provider.GetHeader()
	if err != nil {
		return inputError(err)
	}
	headerRefs := header.Refs()
	if region != nil && region.RefName != "" {
		found := false
		for _, ref := range headerRefs {
			if ref.Name() == region.RefName {
				found = true
				break
			}
		}
		if !found {
			return inputError(fmt.Errorf("-region contig %s not in BAM header", region.RefName))
		}
	}

	r := &run{
		provider:       provider,
		transform:      tr,
		combineStrands: opts.CombineStrands,
		maxReadSpan:    opts.MaxReadSpan,
		parallelism:    parallelism,
	}
	if opts.CpG {
		if r.motif, err = NewCpGIndex(ctx, opts.RefPath, headerRefs); err != nil {
			return inputError(err)
		}
	}
	if r.thresholds, err = resolveThresholds(ctx, provider, opts, tr); err != nil {
		return err
	}
	if opts.SampleProbsOnly {
		return runtimeError(reportThresholds(r.thresholds, opts.SamplePercentile))
	}

	refNames := make([]string, len(headerRefs))
	for i, ref := range headerRefs {
		refNames[i] = ref.Name()
	}
	var sink rowSink
	if opts.BedGraph {
		prefix := opts.Prefix
		if prefix == "" {
			prefix = trimExt(outPath)
		}
		sink = newBedGraphWriter(ctx, prefix, refNames)
	} else {
		var bmErr error
		if sink, bmErr = newBedMethylWriter(ctx, outPath, refNames, parallelism); bmErr != nil {
			return inputError(bmErr)
		}
	}
	defer func() {
		if e := sink.Close(); e != nil && err == nil {
			err = runtimeError(e)
		}
	}()

	windows := makeWindows(headerRefs, region, PosType(opts.WindowSize))
	log.Printf("pileup: %d windows across %d contigs, %d workers", len(windows), len(headerRefs), parallelism)
	return r.runWindows(ctx, windows, sink)
}
