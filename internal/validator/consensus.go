package validator

import (
	"bytes"
	"image"

	// Image decoders for the formats miners are allowed to return.
	_ "image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"

	"github.com/upow-network/imagepool/internal/fault"
)

// DefaultThreshold is the perceptual-hash distance below which two outputs
// count as renderings of the same prompt.
const DefaultThreshold = 5

// sampleCount is the fixed number of outputs adjudicated together.
const sampleCount = 3

// Sample is one miner output under adjudication.
type Sample struct {
	WalletAddress string
	Output        []byte
}

// Engine adjudicates output triplets by pairwise perceptual-hash distance.
type Engine struct {
	Threshold int
}

// NewEngine creates an Engine with the default distance threshold.
func NewEngine() *Engine {
	return &Engine{Threshold: DefaultThreshold}
}

// Adjudicate decides pass or fail for each of exactly three samples. A
// sample that fails to decode aborts the whole batch; partial adjudication
// would let a single corrupt upload skew the outcome for the others.
func (e *Engine) Adjudicate(samples []Sample) ([]bool, error) {
	if len(samples) != sampleCount {
		return nil, fault.Validation("adjudication needs exactly %d samples, got %d", sampleCount, len(samples))
	}

	hashes := make([]*goimagehash.ImageHash, sampleCount)
	for i, s := range samples {
		img, _, err := image.Decode(bytes.NewReader(s.Output))
		if err != nil {
			return nil, fault.Validation("sample %d from %s is not a decodable image: %v", i, s.WalletAddress, err)
		}
		h, err := goimagehash.PerceptionHash(img)
		if err != nil {
			return nil, fault.Transient(err, "hash sample %d", i)
		}
		hashes[i] = h
	}

	var dists [sampleCount]int
	pairs := [sampleCount][2]int{{0, 1}, {0, 2}, {1, 2}}
	for i, p := range pairs {
		d, err := hashes[p[0]].Distance(hashes[p[1]])
		if err != nil {
			return nil, fault.Transient(err, "compare samples %d and %d", p[0], p[1])
		}
		dists[i] = d
	}

	return classify(dists, e.Threshold), nil
}

// classify maps the three pairwise distances to per-sample verdicts. With
// all pairs similar everyone passes; with none similar everyone fails; in
// between, membership in any similar pair is enough to pass.
func classify(dists [sampleCount]int, threshold int) []bool {
	pairs := [sampleCount][2]int{{0, 1}, {0, 2}, {1, 2}}
	passed := make([]bool, sampleCount)
	similar := 0
	for i, p := range pairs {
		if dists[i] < threshold {
			similar++
			passed[p[0]] = true
			passed[p[1]] = true
		}
	}
	if similar == len(pairs) {
		return []bool{true, true, true}
	}
	if similar == 0 {
		return []bool{false, false, false}
	}
	return passed
}

// AllFailed reports whether no sample passed.
func AllFailed(passed []bool) bool {
	for _, p := range passed {
		if p {
			return false
		}
	}
	return true
}
