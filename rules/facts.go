package rules

import (
	"strings"

	"github.com/tradewire/tradewire/tradewire"
)

// OpenSentinel is the value a TP list element takes in the facts when the
// trader wrote TP OPEN.
const OpenSentinel = "OPEN"

// Facts is the parsed signal lifted into the flat field namespace the
// dictionary predicates address. The field set is closed; Get resolves the
// dotted paths below and nothing else.
//
//	side, symbol, sl
//	entry.exists, entry.value, entry.band.min, entry.band.max
//	tps, tps.length
//	text.raw, text.norm
//	meta.quoted_msg_id
type Facts struct {
	Side        string
	Symbol      string
	EntryExists bool
	EntryValue  *float64
	BandMin     *float64
	BandMax     *float64
	TPs         []any
	SL          *float64
	RawText     string
	NormText    string
	QuotedMsgID string
}

// NewFacts lifts a parsed signal into the fact namespace. A two-price entry
// becomes a band keyed by min/max regardless of written order; the literal
// order is a planner concern, not a matching one.
func NewFacts(ps tradewire.ParsedSignal, rawText string, quotedMsgID string) *Facts {
	f := &Facts{
		Side:        string(ps.Side),
		Symbol:      ps.Symbol,
		SL:          ps.SL,
		RawText:     rawText,
		NormText:    strings.ToLower(rawText),
		QuotedMsgID: quotedMsgID,
	}

	switch len(ps.Entries) {
	case 0:
	case 1:
		f.EntryExists = true
		v := ps.Entries[0]
		f.EntryValue = &v
	default:
		f.EntryExists = true
		lo, hi := ps.Entries[0], ps.Entries[1]
		if lo > hi {
			lo, hi = hi, lo
		}
		f.BandMin = &lo
		f.BandMax = &hi
	}

	for _, tp := range ps.TPs {
		if tp == nil {
			f.TPs = append(f.TPs, OpenSentinel)
		} else {
			f.TPs = append(f.TPs, *tp)
		}
	}

	return f
}

// Get resolves a dotted field path. The second return reports whether the
// path names a known field; unresolvable or absent fields return nil.
func (f *Facts) Get(path string) (any, bool) {
	switch path {
	case "side":
		return nilIfEmpty(f.Side), true
	case "symbol":
		return nilIfEmpty(f.Symbol), true
	case "sl":
		return nilIfNilFloat(f.SL), true
	case "entry.exists":
		return f.EntryExists, true
	case "entry.value":
		return nilIfNilFloat(f.EntryValue), true
	case "entry.band.min":
		return nilIfNilFloat(f.BandMin), true
	case "entry.band.max":
		return nilIfNilFloat(f.BandMax), true
	case "tps":
		if len(f.TPs) == 0 {
			return nil, true
		}
		return f.TPs, true
	case "tps.length":
		return len(f.TPs), true
	case "text.raw":
		return nilIfEmpty(f.RawText), true
	case "text.norm":
		return nilIfEmpty(f.NormText), true
	case "meta.quoted_msg_id":
		return nilIfEmpty(f.QuotedMsgID), true
	default:
		return nil, false
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIfNilFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
