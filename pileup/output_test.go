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
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestBedMethylFormat(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	path := filepath.Join(tmpdir, "out.bed")
	w, err := newBedMethylWriter(ctx, path, []string{"chr1", "chr2"}, 1)
	assert.NoError(t, err)
	rows := []Row{
		{RefID: 0, Pos: 100, Strand: '+', Code: 'm', NValidCov: 1, NMod: 1},
		{RefID: 1, Pos: 5, Strand: '.', Code: 'h', NValidCov: 4, NMod: 1, NCanonical: 2, NOtherMod: 1, NDelete: 1, NFail: 2, NDiff: 3, NNoCall: 1},
	}
	assert.NoError(t, w.Write(rows))
	assert.NoError(t, w.Close())

	got, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	want := "chr1\t100\t101\tm\t1\t+\t100\t101\t255,0,0\t1\t1.000000\t1\t0\t0\t0\t0\t0\t0\n" +
		"chr2\t5\t6\th\t4\t.\t5\t6\t255,0,0\t4\t0.250000\t1\t2\t1\t1\t2\t3\t1\n"
	expect.EQ(t, string(got), want)
}

func TestBedGraphFormat(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	prefix := filepath.Join(tmpdir, "pileup")
	w := newBedGraphWriter(ctx, prefix, []string{"chr1"})
	rows := []Row{
		{RefID: 0, Pos: 10, Strand: '+', Code: 'm', NValidCov: 2, NMod: 1},
		{RefID: 0, Pos: 11, Strand: '-', Code: 'm', NValidCov: 2, NMod: 2},
		{RefID: 0, Pos: 10, Strand: '+', Code: 'h', NValidCov: 2, NMod: 0},
	}
	assert.NoError(t, w.Write(rows))
	assert.NoError(t, w.Close())

	got, err := ioutil.ReadFile(prefix + "_m_positive.bedgraph")
	assert.NoError(t, err)
	expect.EQ(t, string(got), "chr1\t10\t11\t0.500000\t2\n")
	got, err = ioutil.ReadFile(prefix + "_m_negative.bedgraph")
	assert.NoError(t, err)
	expect.EQ(t, string(got), "chr1\t11\t12\t1.000000\t2\n")
	got, err = ioutil.ReadFile(prefix + "_h_positive.bedgraph")
	assert.NoError(t, err)
	expect.EQ(t, string(got), "chr1\t10\t11\t0.000000\t2\n")
}
