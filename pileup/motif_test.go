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
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestScanCpG(t *testing.T) {
	tests := []struct {
		seq  string
		want []PosType
	}{
		{"", nil},
		{"C", nil},
		{"CG", []PosType{0}},
		{"ACGTCGCG", []PosType{1, 4, 6}},
		{"acgtcg", []PosType{1, 4}},
		{"GGCC", nil},
		{"CGCG", []PosType{0, 2}},
	}
	for _, tt := range tests {
		expect.EQ(t, scanCpG(tt.seq), tt.want, tt.seq)
	}
}

func TestCpGIndexFromFasta(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	fapath := filepath.Join(tmpdir, "ref.fa")
	assert.NoError(t, ioutil.WriteFile(fapath, []byte(">chr1\nAACGTT\n>chr2\nCGCG\n"), 0644))

	ref1, err := sam.NewReference("chr1", "", "", 6, nil, nil)
	assert.NoError(t, err)
	ref2, err := sam.NewReference("chr2", "", "", 4, nil, nil)
	assert.NoError(t, err)

	ctx := vcontext.Background()
	idx, err := NewCpGIndex(ctx, fapath, []*sam.Reference{ref1, ref2})
	assert.NoError(t, err)
	expect.True(t, idx.PlusSite(0, 2))
	expect.False(t, idx.PlusSite(0, 3))
	expect.True(t, idx.PlusSite(1, 0))
	expect.True(t, idx.PlusSite(1, 2))
	expect.False(t, idx.PlusSite(1, 1))
	expect.False(t, idx.PlusSite(2, 0))
	expect.False(t, idx.PlusSite(0, -1))
}

func TestCpGIndexLengthMismatch(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	fapath := filepath.Join(tmpdir, "ref.fa")
	assert.NoError(t, ioutil.WriteFile(fapath, []byte(">chr1\nAACG\n"), 0644))
	ref1, err := sam.NewReference("chr1", "", "", 6, nil, nil)
	assert.NoError(t, err)
	_, err = NewCpGIndex(vcontext.Background(), fapath, []*sam.Reference{ref1})
	assert.NotNil(t, err)
}
