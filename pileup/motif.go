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
	"sort"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bio/encoding/fasta"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
)

// MotifIndex is the read-only emission set of a strand-symmetric motif
// scan.  For CpG (the only motif in the initial scope) it records, per
// contig, the 0-based position of every C whose next base is G; the minus
// strand of a site is addressed through its plus-strand anchor.
type MotifIndex struct {
	sites [][]PosType
}

// loadFa opens a (possibly compressed) FASTA.
func loadFa(ctx context.Context, fapath string) (fa fasta.Fasta, err error) {
	var infile file.File
	if infile, err = file.Open(ctx, fapath); err != nil {
		return
	}
	defer func() {
		if e := infile.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	reader, _ := compress.NewReader(infile.Reader(ctx))
	defer func() {
		if e := reader.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return fasta.New(reader)
}

// NewCpGIndex scans the reference forward-strand for CG dinucleotides.
// Contigs present in the BAM header but missing from the FASTA yield empty
// site lists (with a logged warning); a contig whose FASTA length differs
// from the BAM header is an error.
func NewCpGIndex(ctx context.Context, fapath string, headerRefs []*sam.Reference) (*MotifIndex, error) {
	fa, err := loadFa(ctx, fapath)
	if err != nil {
		return nil, errors.Wrapf(err, "loading reference %s", fapath)
	}
	idx := &MotifIndex{sites: make([][]PosType, len(headerRefs))}
	nMissing := 0
	for i, ref := range headerRefs {
		refName := ref.Name()
		refLen, e := fa.Len(refName)
		if e != nil {
			nMissing++
			continue
		}
		if refLen != uint64(ref.Len()) {
			return nil, errors.Errorf("inconsistent lengths for contig %s (%d in BAM header, %d in FASTA)", refName, ref.Len(), refLen)
		}
		seq, e := fa.Get(refName, 0, refLen)
		if e != nil {
			return nil, errors.Wrapf(e, "reading contig %s", refName)
		}
		idx.sites[i] = scanCpG(seq)
	}
	if nMissing != 0 {
		log.Printf("pileup.NewCpGIndex: warning: %d contig(s) present in BAM header but missing from FASTA", nMissing)
	}
	return idx, nil
}

func scanCpG(seq string) []PosType {
	var sites []PosType
	for i := 0; i+1 < len(seq); i++ {
		if (seq[i] == 'C' || seq[i] == 'c') && (seq[i+1] == 'G' || seq[i+1] == 'g') {
			sites = append(sites, PosType(i))
		}
	}
	return sites
}

// PlusSite reports whether pos is the plus-strand anchor of a motif site
// on the given contig.
func (m *MotifIndex) PlusSite(refID int, pos PosType) bool {
	if refID < 0 || refID >= len(m.sites) || pos < 0 {
		return false
	}
	s := m.sites[refID]
	i := sort.Search(len(s), func(i int) bool { return s[i] >= pos })
	return i < len(s) && s[i] == pos
}
