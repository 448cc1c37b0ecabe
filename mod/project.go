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

	"github.com/grailbio/hts/sam"
)

// VisitAligned walks a record's CIGAR starting at alignment position pos,
// invoking match for every aligned (reference position, stored-sequence
// read offset) pair and del for every reference position covered by a
// deletion.  Reference positions outside [lo, hi) are not reported.
//
// Insertions and soft-clips consume read bases without reference anchors,
// so their candidates are discarded here; reference-skips advance the
// reference without producing any event; hard-clips and padding consume
// nothing.
func VisitAligned(cigar sam.Cigar, pos, lo, hi int, match func(refPos, readOff int), del func(refPos int)) error {
	refPos := pos
	readOff := 0
	for _, co := range cigar {
		cLen := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			start := refPos
			end := refPos + cLen
			if start < lo {
				start = lo
			}
			if end > hi {
				end = hi
			}
			for p := start; p < end; p++ {
				match(p, readOff+(p-refPos))
			}
			refPos += cLen
			readOff += cLen
		case sam.CigarDeletion:
			start := refPos
			end := refPos + cLen
			if start < lo {
				start = lo
			}
			if end > hi {
				end = hi
			}
			for p := start; p < end; p++ {
				del(p)
			}
			refPos += cLen
		case sam.CigarSkipped:
			refPos += cLen
		case sam.CigarInsertion, sam.CigarSoftClipped:
			readOff += cLen
		case sam.CigarHardClipped, sam.CigarPadded:
			// consumes neither read nor reference
		default:
			return fmt.Errorf("mod.VisitAligned: unexpected CIGAR code %v", co)
		}
		if refPos >= hi {
			// refPos is monotonic, so nothing further can land in the window.
			return nil
		}
	}
	return nil
}
