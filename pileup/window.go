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

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	gbam "github.com/grailbio/bio/encoding/bam"
	"github.com/grailbio/bio/interval"
	"github.com/grailbio/hts/sam"
)

// window is one unit of parallel work: a half-open reference interval
// processed independently and emitted in idx order.
type window struct {
	idx   int
	ref   *sam.Reference
	start PosType
	end   PosType
}

// makeWindows partitions the references (restricted to region when its
// RefName is nonempty) into fixed-size windows in header order.
func makeWindows(refs []*sam.Reference, region *interval.Entry, size PosType) []window {
	var windows []window
	for _, ref := range refs {
		start := PosType(0)
		end := PosType(ref.Len())
		if region != nil && region.RefName != "" {
			if ref.Name() != region.RefName {
				continue
			}
			start = region.Start0
			if region.End < end {
				end = region.End
			}
		}
		for ws := start; ws < end; ws += size {
			we := ws + size
			if we > end {
				we = end
			}
			windows = append(windows, window{idx: len(windows), ref: ref, start: ws, end: we})
		}
	}
	return windows
}

type windowResult struct {
	idx  int
	rows []Row
}

// runWindows processes every window on a fixed-size worker pool and feeds
// the results, reordered into ascending window order, to the sink.
//
// A single writer consumes the bounded results channel; its capacity
// (2 x workers) applies backpressure to workers, which block when it is
// full.  The writer moves every received result into a reorder map until
// all earlier windows are written; that map has no size limit.  Cancellation is cooperative: workers check the
// context at window boundaries (and pileWindow checks every
// cancelCheckInterval records); on writer failure the context is canceled
// and the already-written sorted prefix is preserved.
func (r *run) runWindows(ctx context.Context, windows []window, sink rowSink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	parallelism := r.parallelism
	if parallelism > len(windows) {
		parallelism = len(windows)
	}
	if parallelism < 1 {
		parallelism = 1
	}
	windowCh := make(chan window, len(windows))
	for _, w := range windows {
		windowCh <- w
	}
	close(windowCh)
	resultCh := make(chan windowResult, 2*parallelism)

	var workErr error
	workDone := make(chan struct{})
	go func() {
		defer close(workDone)
		defer close(resultCh)
		workErr = traverse.Each(parallelism, func(_ int) (err error) {
			// A worker panic is fatal for the run, but the writer still gets
			// to flush the ordered prefix it has.
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("pileup worker panic: %v", p)
				}
			}()
			for win := range windowCh {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				rows, err := r.processWindow(ctx, win)
				if err != nil {
					return err
				}
				select {
				case resultCh <- windowResult{idx: win.idx, rows: rows}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}()

	var writeErr error
	pending := make(map[int]windowResult)
	next := 0
	for res := range resultCh {
		if writeErr != nil {
			continue // drain
		}
		pending[res.idx] = res
		for {
			cur, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if err := sink.Write(cur.rows); err != nil {
				writeErr = err
				cancel()
				break
			}
		}
	}
	<-workDone
	if writeErr != nil {
		return runtimeError(writeErr)
	}
	if workErr != nil {
		return runtimeError(workErr)
	}
	log.Debug.Printf("pileup: %d windows complete", len(windows))
	return nil
}

// processWindow opens a padded iterator over one window and aggregates it.
func (r *run) processWindow(ctx context.Context, win window) ([]Row, error) {
	cfg := windowConfig{
		refID:          win.ref.ID(),
		refName:        win.ref.Name(),
		start:          win.start,
		end:            win.end,
		thresholds:     r.thresholds,
		transform:      r.transform,
		motif:          r.motif,
		combineStrands: r.combineStrands,
	}
	shard := gbam.Shard{
		StartRef: win.ref,
		EndRef:   win.ref,
		Start:    int(win.start),
		End:      int(win.end),
		Padding:  r.maxReadSpan,
		ShardIdx: win.idx,
	}
	return pileWindow(ctx, &cfg, r.provider.NewIterator(shard))
}
