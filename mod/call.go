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

// CallKind partitions a classified candidate into its counter bucket.
type CallKind uint8

const (
	// CallCanonical means the canonical (unmodified) mass won.
	CallCanonical CallKind = iota
	// CallMod means a modification code won.
	CallMod
	// CallFail means the winner's probability fell below its threshold.
	CallFail
)

// Call is the classification of one candidate position in one read.
type Call struct {
	Kind CallKind
	// Code is the winning modification code for CallMod, or the code whose
	// threshold the winner failed for CallFail.
	Code byte
	Prob float64
}

// Thresholds is the read-only probability floor configuration broadcast to
// all workers.  Canonical winners are looked up under the uppercase
// canonical-base letter.
type Thresholds struct {
	Default float64
	PerCode map[byte]float64
}

// For returns the threshold applying to a code.
func (t *Thresholds) For(code byte) float64 {
	if v, ok := t.PerCode[code]; ok {
		return v
	}
	return t.Default
}

// Transform is the user-selected collapse / combine-mods configuration.
// Collapse runs first: the ignored code's probability joins the canonical
// mass.  Combine-mods then merges the surviving codes of a canonical base
// into the uppercase summary code.
type Transform struct {
	Ignore      byte
	CombineMods bool
}

// IsZero reports whether the transform is a no-op.
func (t Transform) IsZero() bool { return t.Ignore == 0 && !t.CombineMods }

// Codes maps a group's code universe through the transform.
func (t Transform) Codes(canonBase byte, codes []byte) []byte {
	if t.IsZero() {
		return codes
	}
	out := make([]byte, 0, len(codes))
	for _, c := range codes {
		if c != t.Ignore {
			out = append(out, c)
		}
	}
	if t.CombineMods && len(out) != 0 {
		out = out[:1]
		out[0] = CombinedCode(canonBase)
	}
	return out
}

// Probs maps one candidate's probabilities through the transform, returning
// the surviving modification probabilities and the canonical mass
// accumulated by collapse.  The input is not modified.
func (t Transform) Probs(canonBase byte, probs []CodeProb) (out []CodeProb, canonical float64) {
	if t.IsZero() {
		return probs, 0
	}
	out = make([]CodeProb, 0, len(probs))
	for _, cp := range probs {
		if cp.Code == t.Ignore {
			canonical += cp.Prob
			continue
		}
		out = append(out, cp)
	}
	if t.CombineMods && len(out) > 0 {
		sum := 0.0
		for _, cp := range out {
			sum += cp.Prob
		}
		out = out[:1]
		out[0] = CodeProb{Code: CombinedCode(canonBase), Prob: sum}
	}
	return out, canonical
}

// Classify picks the strongest candidate among the canonical mass and each
// modification code, then applies the winner's threshold.  Ties go to the
// canonical call so that classification is deterministic.
func Classify(canonBase byte, probs []CodeProb, canonical float64, th *Thresholds) Call {
	bestProb := -1.0
	var bestCode byte
	for _, cp := range probs {
		if cp.Prob > bestProb || (cp.Prob == bestProb && cp.Code < bestCode) {
			bestProb = cp.Prob
			bestCode = cp.Code
		}
	}
	if canonical >= bestProb {
		if canonical < th.For(CombinedCode(canonBase)) {
			return Call{Kind: CallFail, Code: CombinedCode(canonBase), Prob: canonical}
		}
		return Call{Kind: CallCanonical, Code: CombinedCode(canonBase), Prob: canonical}
	}
	if bestProb < th.For(bestCode) {
		return Call{Kind: CallFail, Code: bestCode, Prob: bestProb}
	}
	return Call{Kind: CallMod, Code: bestCode, Prob: bestProb}
}
