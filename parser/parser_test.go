package parser

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tradewire/tradewire/tradewire"
)

func f(v float64) *float64 { return &v }

func TestParse_SingleEntrySignal(t *testing.T) {
	p := New()
	ps := p.Parse("XAUUSD\nBUY @ 3468\nTP 3480\nTP 3485\nTP 3490\nTP OPEN\nSL 3450")

	require.Equal(t, tradewire.Buy, ps.Side)
	require.Equal(t, "XAUUSD", ps.Symbol)
	require.Equal(t, []float64{3468}, ps.Entries)
	require.Equal(t, f(3450), ps.SL)

	wantTPs := []*float64{f(3480), f(3485), f(3490), nil}
	if diff := cmp.Diff(wantTPs, ps.TPs); diff != "" {
		t.Fatalf("tps mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_RangeEntry(t *testing.T) {
	p := New()
	ps := p.Parse("GOLD\nBUY @ 3468/3465\nSL 3450")

	require.Equal(t, []float64{3468, 3465}, ps.Entries)
	require.Equal(t, "XAUUSD", ps.Symbol, "alias resolves to venue symbol")
}

func TestParse_SellLowercase(t *testing.T) {
	p := New()
	ps := p.Parse("sell @ 3340.5\ntp 3330\nsl 3350")

	require.Equal(t, tradewire.Sell, ps.Side)
	require.Equal(t, []float64{3340.5}, ps.Entries)
	require.Equal(t, f(3350), ps.SL)
	require.Equal(t, []*float64{f(3330)}, ps.TPs)
}

func TestParse_NoFields(t *testing.T) {
	p := New()
	ps := p.Parse("good morning traders, big week ahead")

	require.False(t, ps.HasSide())
	require.False(t, ps.HasPriceInfo())
	require.Empty(t, ps.Symbol)
	require.Empty(t, ps.Entries)
}

func TestParse_SideWithoutAt(t *testing.T) {
	// A side keyword without the @ marker must not yield an entry price.
	p := New()
	ps := p.Parse("BUY now 3468")

	require.Equal(t, tradewire.Buy, ps.Side)
	require.Empty(t, ps.Entries)
}

func TestParse_MaxSlip(t *testing.T) {
	tests := []struct {
		name string
		text string
		want *float64
	}{
		{name: "slip keyword", text: "BUY @ 3468\nslip 3", want: f(3)},
		{name: "slippage with colon", text: "BUY @ 3468\nslippage: 2.5 pips", want: f(2.5)},
		{name: "worse pips", text: "BUY @ 3468\nworse pips 4", want: f(4)},
		{name: "absent", text: "BUY @ 3468", want: nil},
	}

	p := New()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ps := p.Parse(tc.text)
			if diff := cmp.Diff(tc.want, ps.MaxSlipPips); diff != "" {
				t.Fatalf("max slip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParse_RawIsPreserved(t *testing.T) {
	raw := "​BUY @ 3468 \U0001F680"
	ps := New().Parse(raw)

	require.Equal(t, raw, ps.Raw, "raw keeps the original bytes")
	require.Equal(t, []float64{3468}, ps.Entries, "extraction sees the normalized text")
}

func TestExtractSymbol(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "bare known symbol", text: "XAUUSD\nBUY @ 3468", want: "XAUUSD"},
		{name: "reserved token skipped", text: "TP\nSL\nBUY @ 10", want: ""},
		{name: "known preferred over unknown", text: "FOOBAR\nEURUSD\nBUY @ 1.1", want: "EURUSD"},
		{name: "unknown candidate still used", text: "FOOBAR\nBUY @ 10", want: "FOOBAR"},
		{name: "alias", text: "GOLD\nBUY @ 3468", want: "XAUUSD"},
		{name: "digits suffix", text: "GER40\nBUY @ 24000", want: "GER40"},
	}

	p := New()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, p.extractSymbol(Normalize(tc.text)))
		})
	}
}

func TestParserOptions(t *testing.T) {
	p := New(
		WithKnownSymbols([]string{"btcusd"}),
		WithSymbolAliases(map[string]string{"bitcoin": "BTCUSD"}),
	)

	ps := p.Parse("BITCOIN\nBUY @ 60000")
	require.Equal(t, "BTCUSD", ps.Symbol)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "plain passes through", in: "BUY @ 3468\nSL 3450", want: "BUY @ 3468\nSL 3450"},
		{name: "zero width stripped", in: "BUY​ ‌@ 3468", want: "BUY @ 3468"},
		{name: "emoji stripped", in: "\U0001F525BUY @ 3468\U0001F680", want: "BUY @ 3468"},
		{name: "newlines preserved", in: "XAUUSD\r\nBUY @ 3468", want: "XAUUSD\r\nBUY @ 3468"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}
