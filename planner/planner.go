// Package planner expands a parsed signal into a deterministic set of
// per-leg entry prices and take-profit values.
//
// The single-entry and range-entry cases are distinct trading strategies and
// deliberately do not share a code path: a single price becomes a 4-leg
// ladder at that price, a two-price range becomes 16 legs spread over 4
// equidistant price points. Keeping each distinct price point at a clean
// multiple of 4 legs is what prevents mismatched TP ladders.
package planner

import (
	"fmt"
	"math"

	"github.com/tradewire/tradewire/tradewire"
)

// RangeError reports a two-price entry whose written order contradicts the
// trade direction. It is never auto-corrected: the order encodes trader
// intent and a contradiction means the message cannot be trusted.
type RangeError struct {
	Side   tradewire.Side
	Worst  float64
	Better float64
}

func (e *RangeError) Error() string {
	relation := "higher"
	if e.Side == tradewire.Sell {
		relation = "lower"
	}
	return fmt.Sprintf("invalid %s range: %v/%v - first price must be %s than second",
		e.Side, e.Worst, e.Better, relation)
}

// Plan is the planner's output: one entry and one TP per leg, nil meaning
// "no fixed price" for entries and "leave target open" for TPs.
type Plan struct {
	Entries []*float64
	TPs     []*float64
	Legs    int
}

const (
	singleEntryLegs = 4
	rangeLegs       = 16
	rangePoints     = 4
)

// PlanLegs computes the leg layout for a signal. legsCount is only consulted
// when the signal carries no entry price; callers clamp it to their maximum.
// The only error case is an invalid range direction.
func PlanLegs(ps tradewire.ParsedSignal, legsCount int) (Plan, error) {
	switch {
	case len(ps.Entries) == 1:
		return planSingle(ps), nil
	case len(ps.Entries) >= 2:
		return planRange(ps)
	default:
		return planWithoutEntries(ps, legsCount), nil
	}
}

func planSingle(ps tradewire.ParsedSignal) Plan {
	entries := make([]*float64, singleEntryLegs)
	price := ps.Entries[0]
	for i := range entries {
		entries[i] = ptr(price)
	}
	return Plan{
		Entries: entries,
		TPs:     tpBlock(ps.TPs),
		Legs:    singleEntryLegs,
	}
}

func planRange(ps tradewire.ParsedSignal) (Plan, error) {
	worst, better := ps.Entries[0], ps.Entries[1]

	switch ps.Side {
	case tradewire.Buy:
		if worst <= better {
			return Plan{}, &RangeError{Side: tradewire.Buy, Worst: worst, Better: better}
		}
	case tradewire.Sell:
		if worst >= better {
			return Plan{}, &RangeError{Side: tradewire.Sell, Worst: worst, Better: better}
		}
	}

	// 4 equidistant points spanning [worst, better] inclusive. Each point is
	// rounded to 2 decimals before legs are laid out so near-equal floats
	// cannot split into extra price groups.
	step := math.Abs(better-worst) / float64(rangePoints-1)
	points := make([]float64, rangePoints)
	for i := range points {
		var price float64
		switch ps.Side {
		case tradewire.Buy:
			price = worst - float64(i)*step
		case tradewire.Sell:
			price = worst + float64(i)*step
		default:
			// No side should not reach the planner; fall back to ascending.
			if worst < better {
				price = worst + float64(i)*step
			} else {
				price = worst - float64(i)*step
			}
		}
		points[i] = round2(price)
	}

	entries := make([]*float64, rangeLegs)
	for i := range entries {
		entries[i] = ptr(points[i/rangePoints])
	}

	// Every price point receives the identical 4-slot TP ladder.
	blk := tpBlock(ps.TPs)
	tps := make([]*float64, 0, rangeLegs)
	for i := 0; i < rangePoints; i++ {
		tps = append(tps, blk...)
	}

	return Plan{Entries: entries, TPs: tps, Legs: rangeLegs}, nil
}

func planWithoutEntries(ps tradewire.ParsedSignal, legsCount int) Plan {
	if legsCount < 1 {
		legsCount = 1
	}
	return Plan{
		Entries: make([]*float64, legsCount),
		TPs:     tpsForLegs(ps.TPs, legsCount),
		Legs:    legsCount,
	}
}

// tpBlock builds the canonical 4-slot TP ladder: the first four numeric TPs,
// padded by repeating the last known value. A parsed TP OPEN forces the 4th
// slot back to open; padding never overwrites a trailing open target.
func tpBlock(tps []*float64) []*float64 {
	numeric, hasOpen := splitTPs(tps)

	blk := make([]*float64, 0, 4)
	for _, v := range numeric {
		if len(blk) == 4 {
			break
		}
		blk = append(blk, ptr(v))
	}
	for len(blk) < 4 {
		if len(blk) == 0 {
			blk = append(blk, nil)
			continue
		}
		blk = append(blk, blk[len(blk)-1])
	}
	if hasOpen {
		blk[3] = nil
	}
	return blk
}

// tpsForLegs is the generic fallback used when no entries were parsed:
// position 0 maps to the first numeric TP and each later position p maps to
// numeric[p-1], clamped to the last available value. A parsed OPEN forces
// the final leg's target open.
func tpsForLegs(tps []*float64, legsCount int) []*float64 {
	if legsCount <= 0 {
		return nil
	}
	numeric, hasOpen := splitTPs(tps)

	out := make([]*float64, legsCount)
	fillUpto := legsCount
	if hasOpen {
		out[legsCount-1] = nil
		fillUpto = legsCount - 1
	}
	for pos := 0; pos < fillUpto; pos++ {
		if len(numeric) == 0 {
			continue
		}
		idx := pos - 1
		if pos == 0 {
			idx = 0
		}
		if idx >= len(numeric) {
			idx = len(numeric) - 1
		}
		out[pos] = ptr(numeric[idx])
	}
	return out
}

func splitTPs(tps []*float64) (numeric []float64, hasOpen bool) {
	for _, tp := range tps {
		if tp == nil {
			hasOpen = true
			continue
		}
		numeric = append(numeric, *tp)
	}
	return numeric, hasOpen
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func ptr(v float64) *float64 { return &v }
