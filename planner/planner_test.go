package planner

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tradewire/tradewire/tradewire"
)

func f(v float64) *float64 { return &v }

func entriesOf(p Plan) []float64 {
	out := make([]float64, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e == nil {
			out = append(out, -1)
			continue
		}
		out = append(out, *e)
	}
	return out
}

func TestPlanLegs_SingleEntry(t *testing.T) {
	ps := tradewire.ParsedSignal{
		Side:    tradewire.Buy,
		Entries: []float64{3468},
		TPs:     []*float64{f(3480), f(3485), f(3490), nil},
	}

	plan, err := PlanLegs(ps, 5)
	require.NoError(t, err)
	require.Equal(t, 4, plan.Legs)

	wantEntries := []float64{3468, 3468, 3468, 3468}
	if diff := cmp.Diff(wantEntries, entriesOf(plan)); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}

	wantTPs := []*float64{f(3480), f(3485), f(3490), nil}
	if diff := cmp.Diff(wantTPs, plan.TPs); diff != "" {
		t.Fatalf("tps mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanLegs_BuyRangeWholeStep(t *testing.T) {
	ps := tradewire.ParsedSignal{
		Side:    tradewire.Buy,
		Entries: []float64{3468, 3465},
		TPs:     []*float64{f(3480), f(3485), f(3490), nil},
	}

	plan, err := PlanLegs(ps, 5)
	require.NoError(t, err)
	require.Equal(t, 16, plan.Legs)
	require.Len(t, plan.Entries, 16)
	require.Len(t, plan.TPs, 16)

	// 4 descending price points, 4 legs each.
	want := make([]float64, 0, 16)
	for _, p := range []float64{3468, 3467, 3466, 3465} {
		for i := 0; i < 4; i++ {
			want = append(want, p)
		}
	}
	if diff := cmp.Diff(want, entriesOf(plan)); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}

	// The TP ladder repeats identically at every price point.
	blk := []*float64{f(3480), f(3485), f(3490), nil}
	for point := 0; point < 4; point++ {
		if diff := cmp.Diff(blk, plan.TPs[point*4:point*4+4]); diff != "" {
			t.Fatalf("tp block %d mismatch (-want +got):\n%s", point, diff)
		}
	}
}

func TestPlanLegs_BuyRangeFractionalStep(t *testing.T) {
	ps := tradewire.ParsedSignal{
		Side:    tradewire.Buy,
		Entries: []float64{3354, 3350},
	}

	plan, err := PlanLegs(ps, 5)
	require.NoError(t, err)

	got := entriesOf(plan)
	want := []float64{3354, 3352.67, 3351.33, 3350}
	for i, p := range want {
		require.Equal(t, p, got[i*4], "price point %d", i)
	}
}

func TestPlanLegs_SellRangeAscends(t *testing.T) {
	ps := tradewire.ParsedSignal{
		Side:    tradewire.Sell,
		Entries: []float64{3340, 3345},
	}

	plan, err := PlanLegs(ps, 5)
	require.NoError(t, err)

	got := entriesOf(plan)
	want := []float64{3340, 3341.67, 3343.33, 3345}
	for i, p := range want {
		require.Equal(t, p, got[i*4], "price point %d", i)
	}
}

func TestPlanLegs_InvalidRange(t *testing.T) {
	tests := []struct {
		name    string
		side    tradewire.Side
		entries []float64
	}{
		{name: "buy worst below better", side: tradewire.Buy, entries: []float64{3465, 3468}},
		{name: "buy equal prices", side: tradewire.Buy, entries: []float64{3465, 3465}},
		{name: "sell worst above better", side: tradewire.Sell, entries: []float64{3345, 3340}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := PlanLegs(tradewire.ParsedSignal{Side: tc.side, Entries: tc.entries}, 5)
			var rangeErr *RangeError
			require.ErrorAs(t, err, &rangeErr)
			require.Equal(t, tc.side, rangeErr.Side)
			require.Equal(t, tc.entries[0], rangeErr.Worst)
			require.Equal(t, tc.entries[1], rangeErr.Better)
		})
	}
}

func TestPlanLegs_NoEntries(t *testing.T) {
	ps := tradewire.ParsedSignal{
		Side: tradewire.Buy,
		TPs:  []*float64{f(3480), f(3485), nil},
	}

	plan, err := PlanLegs(ps, 5)
	require.NoError(t, err)
	require.Equal(t, 5, plan.Legs)

	for _, e := range plan.Entries {
		require.Nil(t, e)
	}

	// First leg takes the first TP, later legs shift by one, the last leg
	// stays open because an OPEN target was parsed.
	want := []*float64{f(3480), f(3480), f(3485), f(3485), nil}
	if diff := cmp.Diff(want, plan.TPs); diff != "" {
		t.Fatalf("tps mismatch (-want +got):\n%s", diff)
	}
}

func TestTPBlock_Padding(t *testing.T) {
	tests := []struct {
		name string
		tps  []*float64
		want []*float64
	}{
		{
			name: "empty stays open",
			tps:  nil,
			want: []*float64{nil, nil, nil, nil},
		},
		{
			name: "single tp pads",
			tps:  []*float64{f(3480)},
			want: []*float64{f(3480), f(3480), f(3480), f(3480)},
		},
		{
			name: "open forces final slot",
			tps:  []*float64{f(3480), f(3485), nil},
			want: []*float64{f(3480), f(3485), f(3485), nil},
		},
		{
			name: "five tps truncate to four",
			tps:  []*float64{f(1), f(2), f(3), f(4), f(5)},
			want: []*float64{f(1), f(2), f(3), f(4)},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, tpBlock(tc.tps)); diff != "" {
				t.Fatalf("block mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlanLegs_RangeWithoutSideFallsBackAscending(t *testing.T) {
	plan, err := PlanLegs(tradewire.ParsedSignal{Entries: []float64{10, 13}}, 5)
	require.NoError(t, err)

	got := entriesOf(plan)
	require.Equal(t, 10.0, got[0])
	require.Equal(t, 13.0, got[12])
}
