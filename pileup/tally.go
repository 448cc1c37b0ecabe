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
	"sort"

	"github.com/grailbio/modpileup/mod"
)

// Row is one aggregated (contig, position, strand, modification code)
// record, ready for bedMethyl emission.
type Row struct {
	RefID  int
	Pos    PosType
	Strand byte
	Code   byte

	NValidCov  uint64
	NMod       uint64
	NCanonical uint64
	NOtherMod  uint64
	NDelete    uint64
	NFail      uint64
	NDiff      uint64
	NNoCall    uint64
}

// FractionModified returns NMod / NValidCov.  Rows with zero valid
// coverage are suppressed before emission, so the division is safe.
func (r *Row) FractionModified() float64 {
	return float64(r.NMod) / float64(r.NValidCov)
}

// tally accumulates the per-(position, strand) counter buckets.  Counts
// are bucketed by the canonical base of each event; rows for individual
// modification codes are derived at decode time.
type tally struct {
	canonical [mod.NBase]uint64
	noCall    [mod.NBase]uint64
	fail      [mod.NBase]uint64
	nDelete   uint64
	// mods counts winning calls per modification code.
	mods map[byte]uint64
	// observed is the union of modification-code universes of every read
	// that contributed an event here; it defines which rows exist.
	observed map[byte]struct{}
}

func newTally() *tally {
	return &tally{
		mods:     make(map[byte]uint64),
		observed: make(map[byte]struct{}),
	}
}

func (t *tally) observe(codes []byte) {
	for _, c := range codes {
		t.observed[c] = struct{}{}
	}
}

// addCall records one classified candidate.
func (t *tally) addCall(baseEnum byte, c mod.Call) {
	switch c.Kind {
	case mod.CallFail:
		t.fail[baseEnum]++
	case mod.CallCanonical:
		t.canonical[baseEnum]++
	case mod.CallMod:
		t.mods[c.Code]++
	}
}

func (t *tally) addCanonical(baseEnum byte) { t.canonical[baseEnum]++ }
func (t *tally) addNoCall(baseEnum byte)    { t.noCall[baseEnum]++ }
func (t *tally) addDelete()                 { t.nDelete++ }

// decode expands a tally into per-code rows, one per observed code with
// nonzero valid coverage, in ascending code order.
func (t *tally) decode(refID int, pos PosType, strand byte, out []Row) []Row {
	codes := make([]byte, 0, len(t.observed))
	for c := range t.observed {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	for _, code := range codes {
		e := mod.CanonicalBaseEnum(code)
		if e == mod.BaseX {
			continue
		}
		nMod := t.mods[code]
		var nOther, nDiff uint64
		for c, n := range t.mods {
			if c == code {
				continue
			}
			if mod.CanonicalBaseEnum(c) == e {
				nOther += n
			} else {
				nDiff += n
			}
		}
		nCanonical := t.canonical[e]
		nValid := nMod + nCanonical + nOther
		if nValid == 0 {
			continue
		}
		for e2 := byte(0); e2 < mod.NBase; e2++ {
			if e2 == e {
				continue
			}
			nDiff += t.canonical[e2] + t.noCall[e2]
		}
		out = append(out, Row{
			RefID:      refID,
			Pos:        pos,
			Strand:     strand,
			Code:       code,
			NValidCov:  nValid,
			NMod:       nMod,
			NCanonical: nCanonical,
			NOtherMod:  nOther,
			NDelete:    t.nDelete,
			NFail:      t.fail[e],
			NDiff:      nDiff,
			NNoCall:    t.noCall[e],
		})
	}
	return out
}

// windowTallies owns the lazily created tallies of one genomic window.
// Motif filtering and strand-combining are applied as events arrive, so
// combined CpG pairs are always keyed by their plus-strand anchor and can
// never straddle a window boundary.
type windowTallies struct {
	cfg *windowConfig
	m   map[int64]*tally
}

func newWindowTallies(cfg *windowConfig) *windowTallies {
	return &windowTallies{cfg: cfg, m: make(map[int64]*tally)}
}

func tallyKey(pos PosType, strand byte) int64 {
	return int64(pos)<<8 | int64(strand)
}

// resolve applies the motif filter and strand fold to an event's
// coordinates, returning false for events outside the emission set or the
// window.
func (w *windowTallies) resolve(pos PosType, strand byte) (PosType, byte, bool) {
	cfg := w.cfg
	if cfg.motif != nil {
		switch strand {
		case '+':
			if !cfg.motif.PlusSite(cfg.refID, pos) {
				return 0, 0, false
			}
		case '-':
			if !cfg.motif.PlusSite(cfg.refID, pos-1) {
				return 0, 0, false
			}
		}
	}
	if cfg.combineStrands {
		if strand == '-' {
			pos--
		}
		strand = '.'
	}
	if pos < cfg.start || pos >= cfg.end {
		return 0, 0, false
	}
	return pos, strand, true
}

// get returns the tally for an event at (pos, strand), or nil when the
// event is filtered or clipped.
func (w *windowTallies) get(pos PosType, strand byte) *tally {
	pos, strand, ok := w.resolve(pos, strand)
	if !ok {
		return nil
	}
	key := tallyKey(pos, strand)
	t := w.m[key]
	if t == nil {
		t = newTally()
		w.m[key] = t
	}
	return t
}

// rows decodes every tally and returns the window's rows sorted by
// (position, strand, code).
func (w *windowTallies) rows() []Row {
	keys := make([]int64, 0, len(w.m))
	for k := range w.m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	var out []Row
	for _, k := range keys {
		pos := PosType(k >> 8)
		strand := byte(k & 0xff)
		out = w.m[k].decode(w.cfg.refID, pos, strand, out)
	}
	return out
}
