package srs

import (
	"encoding/binary"
	"math/rand/v2"
	"time"

	"github.com/cespare/xxhash/v2"
)

// fuzzSeed derives a per-review seed from the card and the review time, so the
// same review always lands on the same day and a replay reproduces it.
func fuzzSeed(cardID string, now time.Time) uint64 {
	d := xxhash.New()
	d.WriteString(cardID)
	d.Write(binary.LittleEndian.AppendUint64(nil, uint64(now.UnixNano())))
	return d.Sum64()
}

// fuzz scales interval by a factor drawn uniformly from [1-f, 1+f].
// Intervals shorter than FuzzMinDays are returned unchanged.
func (p *Params) fuzz(interval float64, cardID string, now time.Time) float64 {
	if p.DisableFuzz || p.FuzzFactor == 0 || interval < p.FuzzMinDays {
		return interval
	}
	rng := rand.New(rand.NewPCG(fuzzSeed(cardID, now), p.Seed))
	jitter := (rng.Float64()*2 - 1) * p.FuzzFactor
	return interval * (1 + jitter)
}
