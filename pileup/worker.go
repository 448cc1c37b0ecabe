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

	"github.com/grailbio/base/log"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/grailbio/bio/biosimd"
	gbam "github.com/grailbio/bio/encoding/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modpileup/mod"
)

// cancelCheckInterval is how many records a worker processes between
// cooperative cancellation checks; window boundaries always check.
const cancelCheckInterval = 10000

// windowConfig is the immutable per-window configuration handed to
// pileWindow.
type windowConfig struct {
	refID      int
	refName    string
	start, end PosType

	thresholds     *mod.Thresholds
	transform      mod.Transform
	motif          *MotifIndex
	combineStrands bool
}

// recordIterator is the part of bamprovider.Iterator that pileWindow
// needs; tests substitute an in-memory implementation.
type recordIterator interface {
	Scan() bool
	Record() *sam.Record
	Close() error
}

const skipFlags = sam.Secondary | sam.Supplementary | sam.Duplicate | sam.Unmapped

// pileWindow drains an iterator and aggregates every projected
// modification event landing in the window.  The iterator is expected to
// cover the window plus enough left padding that any read overlapping the
// window is seen.
func pileWindow(ctx context.Context, cfg *windowConfig, iter recordIterator) (rows []Row, err error) {
	defer func() {
		if e := iter.Close(); e != nil && err == nil {
			err = e
		}
	}()
	tallies := newWindowTallies(cfg)
	// Clip bound for the projector: when folding strands, a minus-strand
	// event one past the window end anchors to the window's last position.
	lo := int(cfg.start)
	hi := int(cfg.end)
	if cfg.combineStrands {
		hi++
	}
	seenNames := make(map[string]bool)
	var seq8 []byte
	nRec := 0
	for iter.Scan() {
		rec := iter.Record()
		nRec++
		if nRec%cancelCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		if rec.Flags&skipFlags != 0 || len(rec.Cigar) == 0 || rec.Seq.Length == 0 {
			sam.PutInFreePool(rec)
			continue
		}
		if rec.Pos >= hi {
			// Records arrive position-sorted; everything from here on starts
			// past the window.
			sam.PutInFreePool(rec)
			break
		}
		span, _ := rec.Cigar.Lengths()
		if rec.Pos+span <= lo {
			sam.PutInFreePool(rec)
			continue
		}
		if seenNames[rec.Name] {
			log.Error.Printf("pileup: read %s has multiple primary alignments in %s:[%d,%d); all copies are counted", rec.Name, cfg.refName, cfg.start, cfg.end)
		} else {
			seenNames[string(append([]byte(nil), rec.Name...))] = true
		}
		gunsafe.ExtendBytes(&seq8, rec.Seq.Length)
		biosimd.UnpackSeq(seq8, gbam.UnsafeDoubletsToBytes(rec.Seq.Seq))
		rm, perr := mod.ParseRecord(rec, seq8)
		if perr != nil {
			log.Error.Printf("pileup: skipping read %s: %v", rec.Name, perr)
			sam.PutInFreePool(rec)
			continue
		}
		if rm == nil {
			// No modification tags.
			sam.PutInFreePool(rec)
			continue
		}
		addRecord(cfg, tallies, rec, seq8, rm, lo, hi)
		sam.PutInFreePool(rec)
	}
	return tallies.rows(), nil
}

// addRecord projects one read's events into the window tallies.
func addRecord(cfg *windowConfig, tallies *windowTallies, rec *sam.Record, seq8 []byte, rm *mod.ReadMods, lo, hi int) {
	reverse := rec.Flags&sam.Reverse != 0
	alnStrand := byte('+')
	if reverse {
		alnStrand = '-'
	}
	// Per-strand observed-code universes for this read, post-transform.
	var plusCodes, minusCodes []byte
	for _, g := range rm.Groups {
		codes := cfg.transform.Codes(g.CanonBase, g.Codes)
		if reverse != g.Flipped {
			minusCodes = append(minusCodes, codes...)
		} else {
			plusCodes = append(plusCodes, codes...)
		}
	}
	codesFor := func(s byte) []byte {
		if s == '-' {
			return minusCodes
		}
		return plusCodes
	}

	match := func(refPos, readOff int) {
		handled := false
		for _, g := range rm.Groups {
			cand := g.Calls[readOff]
			if cand == nil {
				continue
			}
			handled = true
			s := byte('+')
			if reverse != g.Flipped {
				s = '-'
			}
			t := tallies.get(PosType(refPos), s)
			if t == nil {
				continue
			}
			probs, canonical := cfg.transform.Probs(g.CanonBase, cand.Probs)
			call := mod.Classify(g.CanonBase, probs, canonical, cfg.thresholds)
			t.addCall(mod.Seq8ToEnumTable[mod.ASCIIToSeq8Table[g.CanonBase]], call)
			t.observe(codesFor(s))
		}
		if handled {
			return
		}
		b8 := seq8[readOff]
		if reverse {
			b8 = mod.Complement8Table[b8]
		}
		e := mod.Seq8ToEnumTable[b8]
		if e == mod.BaseX {
			return
		}
		t := tallies.get(PosType(refPos), alnStrand)
		if t == nil {
			return
		}
		// An untagged canonical-base position: implicit-canonical groups
		// treat it as a canonical call, explicit-unknown groups (and bases
		// with no group at all) as a no-call.
		if g := rm.Group(mod.EnumToASCIITable[e], false); g != nil && !g.Explicit {
			t.addCanonical(e)
		} else {
			t.addNoCall(e)
		}
		t.observe(codesFor(alnStrand))
	}
	del := func(refPos int) {
		t := tallies.get(PosType(refPos), alnStrand)
		if t == nil {
			return
		}
		t.addDelete()
		t.observe(codesFor(alnStrand))
	}
	if err := mod.VisitAligned(rec.Cigar, rec.Pos, lo, hi, match, del); err != nil {
		log.Error.Printf("pileup: read %s: %v", rec.Name, err)
	}
}
