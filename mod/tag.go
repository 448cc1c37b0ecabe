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
package mod

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/hts/sam"
)

// Both historical capitalizations of the tag pair are accepted; the
// payloads are identical.
var (
	mmTags = [2]sam.Tag{{'M', 'M'}, {'M', 'm'}}
	mlTags = [2]sam.Tag{{'M', 'L'}, {'M', 'l'}}
)

// CodeProb is a single (modification code, probability) pair attached to a
// candidate position.
type CodeProb struct {
	Code byte
	Prob float64
}

// Candidate holds the modification probabilities recorded for one read
// offset.  Offsets never carry more than a handful of codes, so a small
// slice beats a map here.
type Candidate struct {
	Probs []CodeProb
}

// GroupKey identifies a tag group within a read: the declared canonical
// base plus whether the group describes the strand opposite the read's
// original sequence ('-' indicator, used by duplex basecallers).
type GroupKey struct {
	Base    byte
	Flipped bool
}

// BaseMods aggregates all tag groups of a read sharing a GroupKey.
type BaseMods struct {
	// Base is the declared canonical base, in original-read orientation.
	Base byte
	// CanonBase is the canonical base of the group's modification codes:
	// equal to Base for '+' groups, its complement for '-' groups.
	CanonBase byte
	// Flipped is true for '-' groups.
	Flipped bool
	// Explicit is true when the group uses '?' (explicit-unknown) skip
	// semantics: canonical-base positions absent from the candidate list are
	// no-calls rather than implicit canonical calls.
	Explicit bool
	// Codes is the ascending set of modification codes seen in this group.
	Codes []byte
	// Calls maps stored-sequence read offsets to candidate probabilities.
	Calls map[int]*Candidate
}

// ReadMods is the parsed modification payload of one alignment record.
type ReadMods struct {
	Groups map[GroupKey]*BaseMods
}

// Empty reports whether the record carried tags but no candidate calls.
func (rm *ReadMods) Empty() bool {
	for _, g := range rm.Groups {
		if len(g.Calls) != 0 {
			return false
		}
	}
	return true
}

// Group returns the group for the given key, or nil.
func (rm *ReadMods) Group(base byte, flipped bool) *BaseMods {
	return rm.Groups[GroupKey{Base: base, Flipped: flipped}]
}

func rawModTags(r *sam.Record) (mm string, ml []byte, ok bool, err error) {
	var mmAux, mlAux sam.Aux
	for _, tag := range mmTags {
		if mmAux = r.AuxFields.Get(tag); mmAux != nil {
			break
		}
	}
	for _, tag := range mlTags {
		if mlAux = r.AuxFields.Get(tag); mlAux != nil {
			break
		}
	}
	if mmAux == nil && mlAux == nil {
		return "", nil, false, nil
	}
	if mmAux == nil || mlAux == nil {
		return "", nil, false, fmt.Errorf("mod.ParseRecord: read %s carries only one of the MM/ML tag pair", r.Name)
	}
	mmVal, isString := mmAux.Value().(string)
	if !isString {
		return "", nil, false, fmt.Errorf("mod.ParseRecord: read %s MM tag is not of string type", r.Name)
	}
	mlVal, isBytes := mlAux.Value().([]uint8)
	if !isBytes {
		return "", nil, false, fmt.Errorf("mod.ParseRecord: read %s ML tag is not a uint8 array", r.Name)
	}
	return mmVal, mlVal, true, nil
}

// candidateOffsets expands one group's skip list into stored-sequence read
// offsets, in the group's declaration order.
//
// MM positions count occurrences of the declared base along the read in its
// original (pre-alignment) orientation; '-' groups count along the reverse
// complement of that.  Both reduce to a single scan of the stored sequence:
// scan direction and scan target depend on whether exactly one of
// {reverse-aligned, flipped} holds.
func candidateOffsets(seq8 []byte, reverseAligned, flipped bool, base byte, skips []int) ([]int, error) {
	backward := reverseAligned != flipped
	target := ASCIIToSeq8Table[base]
	if backward {
		target = Complement8Table[target]
	}
	offsets := make([]int, 0, len(skips))
	skipIdx := 0
	remaining := skips[0]
	visit := func(off int) bool {
		if seq8[off] != target {
			return true
		}
		if remaining == 0 {
			offsets = append(offsets, off)
			skipIdx++
			if skipIdx == len(skips) {
				return false
			}
			remaining = skips[skipIdx]
		} else {
			remaining--
		}
		return true
	}
	if !backward {
		for off := 0; off < len(seq8); off++ {
			if !visit(off) {
				break
			}
		}
	} else {
		for off := len(seq8) - 1; off >= 0; off-- {
			if !visit(off) {
				break
			}
		}
	}
	if skipIdx != len(skips) {
		return nil, fmt.Errorf("MM skip list names more %c bases than the sequence contains", base)
	}
	return offsets, nil
}

// ParseRecord decodes a record's modification tags against its unpacked
// (one nibble byte per base) sequence.  A record with no tags returns
// (nil, nil); malformed tags return an error and the record should be
// skipped.
func ParseRecord(r *sam.Record, seq8 []byte) (*ReadMods, error) {
	mm, ml, ok, err := rawModTags(r)
	if err != nil || !ok {
		return nil, err
	}
	reverseAligned := r.Flags&sam.Reverse != 0
	rm := &ReadMods{Groups: make(map[GroupKey]*BaseMods)}
	// Exactly one skip-semantic flag is allowed per canonical base.
	explicitByBase := make(map[byte]bool)
	mlCursor := 0
	for _, item := range strings.Split(mm, ";") {
		if item == "" {
			continue
		}
		fields := strings.Split(item, ",")
		header := fields[0]
		if len(header) < 3 {
			return nil, fmt.Errorf("malformed MM group header %q", header)
		}
		base := header[0]
		if base == 'U' {
			base = 'T'
		}
		switch base {
		case 'A', 'C', 'G', 'T':
		case 'N':
			return nil, fmt.Errorf("ambiguous canonical base in MM group %q is not supported", header)
		default:
			return nil, fmt.Errorf("unrecognized canonical base %q in MM group %q", string(header[0]), header)
		}
		var flipped bool
		switch header[1] {
		case '+':
		case '-':
			flipped = true
		default:
			return nil, fmt.Errorf("malformed strand indicator in MM group %q", header)
		}
		canonBase := base
		if flipped {
			canonBase = ComplementASCII(base)
		}
		explicit := false
		codesEnd := len(header)
		switch header[len(header)-1] {
		case '?':
			explicit = true
			codesEnd--
		case '.':
			codesEnd--
		}
		codes := header[2:codesEnd]
		if len(codes) == 0 {
			return nil, fmt.Errorf("MM group %q declares no modification codes", header)
		}
		for i := 0; i < len(codes); i++ {
			code := codes[i]
			if code >= '0' && code <= '9' {
				return nil, fmt.Errorf("ChEBI numeric modification codes are not supported (MM group %q)", header)
			}
			codeBase, supported := CanonicalBase(code)
			if !supported {
				return nil, fmt.Errorf("unknown modification code %q in MM group %q", string(code), header)
			}
			if codeBase != canonBase {
				return nil, fmt.Errorf("modification code %q does not describe canonical base %c (MM group %q)", string(code), canonBase, header)
			}
		}
		if prev, seen := explicitByBase[canonBase]; seen && prev != explicit {
			return nil, fmt.Errorf("read %s declares conflicting skip semantics for canonical base %c", r.Name, canonBase)
		}
		explicitByBase[canonBase] = explicit

		skips := make([]int, 0, len(fields)-1)
		for _, f := range fields[1:] {
			if f == "" {
				continue
			}
			n, convErr := strconv.Atoi(f)
			if convErr != nil || n < 0 {
				return nil, fmt.Errorf("malformed MM skip %q in group %q", f, header)
			}
			skips = append(skips, n)
		}
		nProbs := len(skips) * len(codes)
		if mlCursor+nProbs > len(ml) {
			return nil, fmt.Errorf("ML tag too short: group %q needs %d probabilities, %d left", header, nProbs, len(ml)-mlCursor)
		}
		probs := ml[mlCursor : mlCursor+nProbs]
		mlCursor += nProbs

		key := GroupKey{Base: base, Flipped: flipped}
		group := rm.Groups[key]
		if group == nil {
			group = &BaseMods{
				Base:      base,
				CanonBase: canonBase,
				Flipped:   flipped,
				Explicit:  explicit,
				Calls:     make(map[int]*Candidate),
			}
			rm.Groups[key] = group
		}
		group.Codes = mergeCodes(group.Codes, codes)
		if len(skips) == 0 {
			continue
		}
		offsets, offErr := candidateOffsets(seq8, reverseAligned, flipped, base, skips)
		if offErr != nil {
			return nil, offErr
		}
		for k, off := range offsets {
			cand := group.Calls[off]
			if cand == nil {
				cand = &Candidate{}
				group.Calls[off] = cand
			}
			for ci := 0; ci < len(codes); ci++ {
				cand.add(codes[ci], ProbFromByte(probs[k*len(codes)+ci]))
			}
		}
	}
	if mlCursor != len(ml) {
		return nil, fmt.Errorf("ML tag length %d does not match the %d candidates named by MM", len(ml), mlCursor)
	}
	return rm, nil
}

// add records a probability for a code, summing if the code was already
// listed (the tag specification allows the same code in multiple groups).
func (c *Candidate) add(code byte, prob float64) {
	for i := range c.Probs {
		if c.Probs[i].Code == code {
			c.Probs[i].Prob += prob
			return
		}
	}
	c.Probs = append(c.Probs, CodeProb{Code: code, Prob: prob})
}

func mergeCodes(existing []byte, add string) []byte {
	for i := 0; i < len(add); i++ {
		code := add[i]
		found := false
		for _, c := range existing {
			if c == code {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, code)
		}
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i] < existing[j] })
	return existing
}
