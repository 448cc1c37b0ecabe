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
	"testing"

	"github.com/grailbio/modpileup/mod"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Opts)
		ok     bool
	}{
		{"defaults", func(o *Opts) {}, true},
		{"combine_strands_without_cpg", func(o *Opts) { o.CombineStrands = true }, false},
		{"cpg_without_ref", func(o *Opts) { o.CpG = true }, false},
		{"cpg_with_ref", func(o *Opts) { o.CpG = true; o.RefPath = "ref.fa" }, true},
		{"unknown_preset", func(o *Opts) { o.Preset = "nonstandard" }, false},
		{"traditional", func(o *Opts) { o.Preset = "traditional"; o.RefPath = "ref.fa" }, true},
		{"bad_collapse", func(o *Opts) { o.Collapse = "zz" }, false},
		{"unknown_collapse_code", func(o *Opts) { o.Collapse = "z" }, false},
		{"no_filtering_with_threshold", func(o *Opts) { o.NoFiltering = true; o.Threshold = 0.5 }, false},
		{"threshold_above_one", func(o *Opts) { o.Threshold = 1.5 }, false},
		{"bad_percentile", func(o *Opts) { o.SamplePercentile = 150 }, false},
		{"bad_window", func(o *Opts) { o.WindowSize = 0 }, false},
	}
	for _, tt := range tests {
		opts := DefaultOpts
		tt.mutate(&opts)
		_, err := validate(&opts)
		if tt.ok {
			expect.NoError(t, err, tt.name)
		} else {
			expect.True(t, err != nil, tt.name)
			expect.EQ(t, ExitCode(err), int(KindUsage), tt.name)
		}
	}
}

func TestValidateTraditionalPreset(t *testing.T) {
	opts := DefaultOpts
	opts.Preset = "traditional"
	opts.RefPath = "ref.fa"
	tr, err := validate(&opts)
	assert.NoError(t, err)
	expect.True(t, opts.CpG)
	expect.True(t, opts.CombineStrands)
	expect.EQ(t, tr.Ignore, byte('h'))
}

func TestParsePerModThresholds(t *testing.T) {
	got, err := parsePerModThresholds([]string{"m:0.8", "h:0.6"})
	assert.NoError(t, err)
	expect.EQ(t, got, map[byte]float64{'m': 0.8, 'h': 0.6})

	for _, bad := range []string{"m", "m:", "m:2", "zz:0.5", "q:0.5"} {
		if _, err := parsePerModThresholds([]string{bad}); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestExitCode(t *testing.T) {
	expect.EQ(t, ExitCode(nil), 0)
	expect.EQ(t, ExitCode(usageErrorf("x")), 1)
	expect.EQ(t, ExitCode(inputError(usageErrorf("x"))), 2)
	expect.EQ(t, ExitCode(runtimeError(usageErrorf("x"))), 1)
}

func TestResolveExplicitThresholds(t *testing.T) {
	opts := DefaultOpts
	opts.Threshold = 0.7
	opts.PerModThresholds = []string{"h:0.9"}
	th, err := resolveThresholds(nil, nil, &opts, mod.Transform{})
	assert.NoError(t, err)
	near(t, th.Default, 0.7)
	near(t, th.For('h'), 0.9)
	near(t, th.For('m'), 0.7)

	opts = DefaultOpts
	opts.NoFiltering = true
	th, err = resolveThresholds(nil, nil, &opts, mod.Transform{})
	assert.NoError(t, err)
	near(t, th.For('m'), 0)
}
