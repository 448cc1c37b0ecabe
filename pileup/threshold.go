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
package pileup

import (
	"context"
	"math/rand"
	"sort"

	"github.com/grailbio/base/log"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/grailbio/bio/biosimd"
	gbam "github.com/grailbio/bio/encoding/bam"
	"github.com/grailbio/bio/encoding/bamprovider"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modpileup/mod"
	"gonum.org/v1/gonum/stat"
)

// readProbs is one sampled read's winning call probabilities, keyed by the
// winning code (canonical winners appear under the uppercase base letter).
type readProbs []mod.CodeProb

// probSample is the seeded sample of per-read call probabilities that the
// threshold estimator works from.
type probSample struct {
	reads []readProbs
	// nEligible counts every primary alignment seen whose tags name at
	// least one candidate call, sampled or not.
	nEligible int
}

// perCode pools the sampled probabilities by winning code, each slice
// sorted ascending.
func (s *probSample) perCode() map[byte][]float64 {
	out := make(map[byte][]float64)
	for _, rp := range s.reads {
		for _, cp := range rp {
			out[cp.Code] = append(out[cp.Code], cp.Prob)
		}
	}
	for _, probs := range out {
		sort.Float64s(probs)
	}
	return out
}

// winnerProbs classifies every candidate of a read without thresholding
// and records the winner's (code, probability).
func winnerProbs(rm *mod.ReadMods, tr mod.Transform) readProbs {
	var out readProbs
	none := mod.Thresholds{}
	for _, g := range rm.Groups {
		for _, cand := range g.Calls {
			probs, canonical := tr.Probs(g.CanonBase, cand.Probs)
			call := mod.Classify(g.CanonBase, probs, canonical, &none)
			out = append(out, mod.CodeProb{Code: call.Code, Prob: call.Prob})
		}
	}
	return out
}

// sampleCallProbs draws a deterministic sample of tag-carrying primary
// alignments from the whole file.  With sampleReads > 0 it keeps a uniform
// reservoir of that many reads; with samplingFrac > 0 it keeps each read
// independently with that probability.
func sampleCallProbs(ctx context.Context, provider bamprovider.Provider, tr mod.Transform, sampleReads int, samplingFrac float64, seed int64) (*probSample, error) {
	shards, err := provider.GetFileShards()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	sample := &probSample{}
	var seq8 []byte
	for _, shard := range shards {
		iter := provider.NewIterator(shard)
		for iter.Scan() {
			select {
			case <-ctx.Done():
				_ = iter.Close()
				return nil, ctx.Err()
			default:
			}
			rec := iter.Record()
			if rec.Flags&skipFlags != 0 || len(rec.Cigar) == 0 || rec.Seq.Length == 0 {
				sam.PutInFreePool(rec)
				continue
			}
			gunsafe.ExtendBytes(&seq8, rec.Seq.Length)
			biosimd.UnpackSeq(seq8, gbam.UnsafeDoubletsToBytes(rec.Seq.Seq))
			rm, perr := mod.ParseRecord(rec, seq8)
			if perr != nil {
				log.Error.Printf("pileup: sampling: skipping read %s: %v", rec.Name, perr)
				sam.PutInFreePool(rec)
				continue
			}
			if rm == nil || rm.Empty() {
				sam.PutInFreePool(rec)
				continue
			}
			sample.nEligible++
			if samplingFrac > 0 {
				if rng.Float64() < samplingFrac {
					sample.reads = append(sample.reads, winnerProbs(rm, tr))
				}
			} else if len(sample.reads) < sampleReads {
				sample.reads = append(sample.reads, winnerProbs(rm, tr))
			} else if j := rng.Intn(sample.nEligible); j < sampleReads {
				sample.reads[j] = winnerProbs(rm, tr)
			}
			sam.PutInFreePool(rec)
		}
		if err := iter.Close(); err != nil {
			return nil, err
		}
	}
	return sample, nil
}

// estimateThresholds turns a sample into per-code thresholds at the given
// percentile (nearest-rank on the sorted probabilities; the empirical
// inverse CDF).  Codes without sampled mass fall back to the pooled
// percentile across every code.
func estimateThresholds(sample *probSample, percentile float64) *mod.Thresholds {
	q := percentile / 100
	byCode := sample.perCode()
	var pooled []float64
	for _, probs := range byCode {
		pooled = append(pooled, probs...)
	}
	sort.Float64s(pooled)
	th := &mod.Thresholds{PerCode: make(map[byte]float64)}
	if len(pooled) == 0 {
		log.Printf("pileup: no modification calls sampled; all calls will pass")
		return th
	}
	th.Default = stat.Quantile(q, stat.Empirical, pooled, nil)
	for code, probs := range byCode {
		th.PerCode[code] = stat.Quantile(q, stat.Empirical, probs, nil)
	}
	return th
}
