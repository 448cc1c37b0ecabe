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
	"math"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func near(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
}

func seq8FromString(s string) []byte {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = ASCIIToSeq8Table[s[i]]
	}
	return out
}

func modRecord(t *testing.T, name, seq string, flags sam.Flags, mm string, ml []uint8) *sam.Record {
	t.Helper()
	mmAux, err := sam.NewAux(sam.Tag{'M', 'M'}, mm)
	assert.NoError(t, err)
	mlAux, err := sam.NewAux(sam.Tag{'M', 'L'}, ml)
	assert.NoError(t, err)
	return &sam.Record{
		Name:      name,
		Flags:     flags,
		Seq:       sam.NewSeq([]byte(seq)),
		AuxFields: []sam.Aux{mmAux, mlAux},
	}
}

func TestParseRecordBasic(t *testing.T) {
	// Candidates at the first and third C of the read (skip list 0,1).
	rec := modRecord(t, "read1", "ACCGCT", 0, "C+m,0,1;", []uint8{200, 100})
	rm, err := ParseRecord(rec, seq8FromString("ACCGCT"))
	assert.NoError(t, err)
	assert.NotNil(t, rm)
	g := rm.Group('C', false)
	assert.NotNil(t, g)
	expect.EQ(t, g.Explicit, false)
	expect.EQ(t, g.CanonBase, byte('C'))
	expect.EQ(t, g.Codes, []byte{'m'})
	assert.EQ(t, len(g.Calls), 2)
	c1 := g.Calls[1]
	assert.NotNil(t, c1)
	expect.EQ(t, c1.Probs[0].Code, byte('m'))
	near(t, c1.Probs[0].Prob, (200.5)/256.0)
	c4 := g.Calls[4]
	assert.NotNil(t, c4)
	near(t, c4.Probs[0].Prob, (100.5)/256.0)
}

func TestParseRecordLowercaseTagsAndFlag(t *testing.T) {
	rec := &sam.Record{Name: "read1", Seq: sam.NewSeq([]byte("CC"))}
	mmAux, err := sam.NewAux(sam.Tag{'M', 'm'}, "C+m?,0;")
	assert.NoError(t, err)
	mlAux, err := sam.NewAux(sam.Tag{'M', 'l'}, []uint8{128})
	assert.NoError(t, err)
	rec.AuxFields = []sam.Aux{mmAux, mlAux}
	rm, err := ParseRecord(rec, seq8FromString("CC"))
	assert.NoError(t, err)
	g := rm.Group('C', false)
	assert.NotNil(t, g)
	expect.EQ(t, g.Explicit, true)
	assert.EQ(t, len(g.Calls), 1)
	assert.NotNil(t, g.Calls[0])
}

func TestParseRecordReverseAligned(t *testing.T) {
	// Stored SEQ is reference-oriented; the original read is its reverse
	// complement, so C+m candidates are counted from the 3' end of the
	// stored sequence over complemented bases.
	//
	// Stored:    A G C G   (original read: C G C T)
	// Original C occurrences: offsets 0 and 2 -> stored offsets 3 and 1.
	rec := modRecord(t, "read1", "AGCG", sam.Reverse, "C+m,0,0;", []uint8{230, 25})
	rm, err := ParseRecord(rec, seq8FromString("AGCG"))
	assert.NoError(t, err)
	g := rm.Group('C', false)
	assert.NotNil(t, g)
	assert.EQ(t, len(g.Calls), 2)
	// The first candidate in tag order is the first original-read C, i.e.
	// stored offset 3.
	assert.NotNil(t, g.Calls[3])
	near(t, g.Calls[3].Probs[0].Prob, (230.5)/256.0)
	assert.NotNil(t, g.Calls[1])
	near(t, g.Calls[1].Probs[0].Prob, (25.5)/256.0)
}

func TestParseRecordMultiCode(t *testing.T) {
	// One group listing two codes: ML carries per-candidate interleaved
	// probabilities (m then h for each candidate).
	rec := modRecord(t, "read1", "CCC", 0, "C+mh,0,1;", []uint8{200, 10, 20, 100})
	rm, err := ParseRecord(rec, seq8FromString("CCC"))
	assert.NoError(t, err)
	g := rm.Group('C', false)
	assert.NotNil(t, g)
	expect.EQ(t, g.Codes, []byte{'h', 'm'})
	c0 := g.Calls[0]
	assert.NotNil(t, c0)
	assert.EQ(t, len(c0.Probs), 2)
	expect.EQ(t, c0.Probs[0].Code, byte('m'))
	near(t, c0.Probs[0].Prob, (200.5)/256.0)
	expect.EQ(t, c0.Probs[1].Code, byte('h'))
	near(t, c0.Probs[1].Prob, (10.5)/256.0)
	c2 := g.Calls[2]
	assert.NotNil(t, c2)
	near(t, c2.Probs[0].Prob, (20.5)/256.0)
	near(t, c2.Probs[1].Prob, (100.5)/256.0)
}

func TestParseRecordSplitGroupsShareBase(t *testing.T) {
	rec := modRecord(t, "read1", "CC", 0, "C+m,0;C+h,1;", []uint8{200, 100})
	rm, err := ParseRecord(rec, seq8FromString("CC"))
	assert.NoError(t, err)
	g := rm.Group('C', false)
	assert.NotNil(t, g)
	expect.EQ(t, g.Codes, []byte{'h', 'm'})
	assert.EQ(t, len(g.Calls), 2)
	expect.EQ(t, g.Calls[0].Probs[0].Code, byte('m'))
	expect.EQ(t, g.Calls[1].Probs[0].Code, byte('h'))
}

func TestParseRecordNoTags(t *testing.T) {
	rec := &sam.Record{Name: "read1", Seq: sam.NewSeq([]byte("ACGT"))}
	rm, err := ParseRecord(rec, seq8FromString("ACGT"))
	assert.NoError(t, err)
	assert.Nil(t, rm)
}

func TestParseRecordErrors(t *testing.T) {
	tests := []struct {
		name string
		seq  string
		mm   string
		ml   []uint8
	}{
		{"chebi", "CC", "C+27551,0;", []uint8{1}},
		{"ambiguous_base", "CC", "N+m,0;", []uint8{1}},
		{"unknown_code", "CC", "C+z,0;", []uint8{1}},
		{"code_base_mismatch", "AC", "A+m,0;", []uint8{1}},
		{"ml_too_short", "CC", "C+m,0,1;", []uint8{1}},
		{"ml_too_long", "CC", "C+m,0;", []uint8{1, 2}},
		{"skip_overrun", "CC", "C+m,5;", []uint8{1}},
		{"conflicting_flags", "CC", "C+m?,0;C+h.,0;", []uint8{1, 2}},
	}
	for _, tt := range tests {
		rec := modRecord(t, tt.name, tt.seq, 0, tt.mm, tt.ml)
		_, err := ParseRecord(rec, seq8FromString(tt.seq))
		if err == nil {
			t.Errorf("%s: expected parse error", tt.name)
		}
	}
}

func TestParseRecordMissingMLPair(t *testing.T) {
	rec := &sam.Record{Name: "read1", Seq: sam.NewSeq([]byte("CC"))}
	mmAux, err := sam.NewAux(sam.Tag{'M', 'M'}, "C+m,0;")
	assert.NoError(t, err)
	rec.AuxFields = []sam.Aux{mmAux}
	_, err = ParseRecord(rec, seq8FromString("CC"))
	assert.NotNil(t, err)
}
