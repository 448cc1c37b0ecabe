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

// Package mod parses base-modification (MM/ML) aux tags, projects the
// resulting calls through alignments onto the reference, and classifies
// each call against probability thresholds.
package mod

const (
	// BaseA represents an A base.
	BaseA byte = iota
	// BaseC represents an C base.
	BaseC
	// BaseG represents an G base.
	BaseG
	// BaseT represents an T base.
	BaseT
	// BaseX is a catch-all.
	BaseX
)

const (
	// NBase is the number of regular base types.
	NBase = 4
	// NBaseEnum counts BaseX as well as the regular base types.
	NBaseEnum = 5
)

// Seq8ToEnumTable is the .bam seq nibble -> A/C/G/T/X enum mapping.
var Seq8ToEnumTable = [...]byte{BaseX, BaseA, BaseC, BaseX, BaseG, BaseX, BaseX, BaseX, BaseT, BaseX, BaseX, BaseX, BaseX, BaseX, BaseX, BaseX}

// EnumToASCIITable is the A/C/G/T/X -> ASCII mapping, with X rendered as 'N'.
var EnumToASCIITable = [...]byte{'A', 'C', 'G', 'T', 'N'}

// Complement8Table maps a .bam seq nibble to the nibble of its complement.
// This is the usual reversed-bits table: A=1 <-> T=8, C=2 <-> G=4, and
// ambiguity codes map onto the complementary ambiguity code.
var Complement8Table = [...]byte{0, 8, 4, 12, 2, 10, 6, 14, 1, 9, 5, 13, 3, 11, 7, 15}

// ASCIIToSeq8Table maps an ASCII base letter to its .bam seq nibble, with
// every unrecognized character mapping to N (0xf).  'U' is folded into 'T'.
var ASCIIToSeq8Table = func() [256]byte {
	var t [256]byte
	for i := range t {
		t[i] = 0xf
	}
	for _, e := range []struct {
		ch   byte
		code byte
	}{{'A', 1}, {'C', 2}, {'G', 4}, {'T', 8}, {'U', 8}} {
		t[e.ch] = e.code
		t[e.ch+'a'-'A'] = e.code
	}
	return t
}()

// complementASCIITable is the ASCII A/C/G/T complement mapping used during
// tag parsing; everything else maps to 'N'.
var complementASCIITable = func() [256]byte {
	var t [256]byte
	for i := range t {
		t[i] = 'N'
	}
	t['A'], t['C'], t['G'], t['T'] = 'T', 'G', 'C', 'A'
	return t
}()

// ComplementASCII returns the complementary base letter for one of ACGT.
func ComplementASCII(base byte) byte {
	return complementASCIITable[base]
}

// codeBases maps every supported single-letter modification code from the
// SAM tag specification to its canonical base.  The uppercase entries are
// the "any modification" summary codes; they double as the synthetic codes
// produced by the combine-mods transform and as the per-code threshold keys
// for canonical calls.
var codeBases = map[byte]byte{
	'm': 'C', 'h': 'C', 'f': 'C', 'c': 'C', 'C': 'C',
	'g': 'T', 'e': 'T', 'b': 'T', 'T': 'T',
	'a': 'A', 'A': 'A',
	'o': 'G', 'G': 'G',
	'n': 'N', 'N': 'N',
}

// CanonicalBase returns the canonical base letter for a modification code,
// and whether the code is part of the supported single-letter universe.
func CanonicalBase(code byte) (byte, bool) {
	base, ok := codeBases[code]
	return base, ok
}

// CanonicalBaseEnum returns the A/C/G/T enum for a modification code's
// canonical base, or BaseX for codes tied to an ambiguous base.
func CanonicalBaseEnum(code byte) byte {
	base, ok := codeBases[code]
	if !ok {
		return BaseX
	}
	return Seq8ToEnumTable[ASCIIToSeq8Table[base]]
}

// CombinedCode returns the synthetic summary code for a canonical base,
// i.e. the uppercase base letter itself.
func CombinedCode(base byte) byte { return base }

// ProbFromByte converts an ML probability byte to the midpoint of the
// interval it denotes.  Byte b stands for [b/256, (b+1)/256); using the
// midpoint keeps threshold-edge behavior consistent across implementations.
func ProbFromByte(b byte) float64 {
	return (float64(b) + 0.5) / 256.0
}
