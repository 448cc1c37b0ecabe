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
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bgzf"
)

// rowSink consumes globally sorted rows from the writer goroutine.
type rowSink interface {
	Write(rows []Row) error
	Close() error
}

// bedMethylWriter emits the 18-column extended bedMethyl format, one row
// per (position, strand, modification code):
//
//	chrom start end code score strand start end 255,0,0
//	N_valid_cov fraction_modified N_mod N_canonical N_other_mod
//	N_delete N_fail N_diff N_nocall
//
// score duplicates N_valid_cov per the format definition.
type bedMethylWriter struct {
	ctx      context.Context
	refNames []string

	out  file.File
	bgzw *bgzf.Writer
	w    *tsv.Writer
}

func newBedMethylWriter(ctx context.Context, path string, refNames []string, parallelism int) (*bedMethylWriter, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	bw := &bedMethylWriter{ctx: ctx, refNames: refNames, out: out}
	if strings.HasSuffix(path, ".gz") {
		bw.bgzw = bgzf.NewWriter(out.Writer(ctx), parallelism)
		bw.w = tsv.NewWriter(bw.bgzw)
	} else {
		bw.w = tsv.NewWriter(out.Writer(ctx))
	}
	return bw, nil
}

func (bw *bedMethylWriter) Write(rows []Row) error {
	for i := range rows {
		r := &rows[i]
		bw.w.WriteString(bw.refNames[r.RefID])
		bw.w.WriteInt64(int64(r.Pos))
		bw.w.WriteInt64(int64(r.Pos) + 1)
		bw.w.WriteByte(r.Code)
		bw.w.WriteInt64(int64(r.NValidCov))
		bw.w.WriteByte(r.Strand)
		bw.w.WriteInt64(int64(r.Pos))
		bw.w.WriteInt64(int64(r.Pos) + 1)
		bw.w.WriteString("255,0,0")
		bw.w.WriteInt64(int64(r.NValidCov))
		bw.w.WriteFloat64(r.FractionModified(), 'f', 6)
		bw.w.WriteInt64(int64(r.NMod))
		bw.w.WriteInt64(int64(r.NCanonical))
		bw.w.WriteInt64(int64(r.NOtherMod))
		bw.w.WriteInt64(int64(r.NDelete))
		bw.w.WriteInt64(int64(r.NFail))
		bw.w.WriteInt64(int64(r.NDiff))
		bw.w.WriteInt64(int64(r.NNoCall))
		if err := bw.w.EndLine(); err != nil {
			return err
		}
	}
	return nil
}

func (bw *bedMethylWriter) Close() (err error) {
	if err = bw.w.Flush(); err != nil {
		return err
	}
	if bw.bgzw != nil {
		if err = bw.bgzw.Close(); err != nil {
			return err
		}
	}
	return bw.out.Close(bw.ctx)
}

func strandWord(strand byte) string {
	switch strand {
	case '+':
		return "positive"
	case '-':
		return "negative"
	default:
		return "combined"
	}
}

// bedGraphWriter is the alternate emission mode: one file per
// (modification code, strand), rows "chrom start end fraction_modified
// N_valid_cov".
type bedGraphWriter struct {
	ctx      context.Context
	prefix   string
	refNames []string

	outs map[string]file.File
	ws   map[string]*tsv.Writer
}

func newBedGraphWriter(ctx context.Context, prefix string, refNames []string) *bedGraphWriter {
	return &bedGraphWriter{
		ctx:      ctx,
		prefix:   prefix,
		refNames: refNames,
		outs:     make(map[string]file.File),
		ws:       make(map[string]*tsv.Writer),
	}
}

func (gw *bedGraphWriter) writerFor(code, strand byte) (*tsv.Writer, error) {
	path := fmt.Sprintf("%s_%c_%s.bedgraph", gw.prefix, code, strandWord(strand))
	if w, ok := gw.ws[path]; ok {
		return w, nil
	}
	out, err := file.Create(gw.ctx, path)
	if err != nil {
		return nil, err
	}
	w := tsv.NewWriter(out.Writer(gw.ctx))
	gw.outs[path] = out
	gw.ws[path] = w
	return w, nil
}

func (gw *bedGraphWriter) Write(rows []Row) error {
	for i := range rows {
		r := &rows[i]
		w, err := gw.writerFor(r.Code, r.Strand)
		if err != nil {
			return err
		}
		w.WriteString(gw.refNames[r.RefID])
		w.WriteInt64(int64(r.Pos))
		w.WriteInt64(int64(r.Pos) + 1)
		w.WriteFloat64(r.FractionModified(), 'f', 6)
		w.WriteInt64(int64(r.NValidCov))
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return nil
}

func (gw *bedGraphWriter) Close() (err error) {
	paths := make([]string, 0, len(gw.ws))
	for path := range gw.ws {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if e := gw.ws[path].Flush(); e != nil && err == nil {
			err = e
		}
		if e := gw.outs[path].Close(gw.ctx); e != nil && err == nil {
			err = e
		}
	}
	return err
}
