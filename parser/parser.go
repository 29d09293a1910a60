// Package parser turns free-text trade signal messages into structured
// values. Extraction is purely regex/string based: absent fields stay unset,
// malformed fields are skipped, and Parse never fails.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tradewire/tradewire/tradewire"
)

var (
	sideRE   = regexp.MustCompile(`(?i)\b(BUY|SELL)\b`)
	entryRE  = regexp.MustCompile(`(?im)^[ \t]*(?:BUY|SELL)\s*@\s*(\d+(?:\.\d+)?)(?:\s*/\s*(\d+(?:\.\d+)?))?`)
	tpLineRE = regexp.MustCompile(`(?i)\bTP\s+(OPEN|\d+(?:\.\d+)?)\b`)
	slRE     = regexp.MustCompile(`(?i)\bSL\s+(\d+(?:\.\d+)?)\b`)
	symbolRE = regexp.MustCompile(`(?m)^[ \t]*([A-Z]{3,10}\d{0,2})[ \t]*\r?$`)
	slipRE   = regexp.MustCompile(`(?i)\b(?:slip|slippage|max\s*slip)\s*[:=]?\s*(\d+(?:\.\d+)?)\s*(?:pip|pips|pt|points)?`)
	worseRE  = regexp.MustCompile(`(?i)\bworse(?:\s*pips?)?\s*[:=]?\s*(\d+(?:\.\d+)?)`)
)

// reservedTokens are bare uppercase lines that look like symbols but are
// signal keywords.
var reservedTokens = map[string]struct{}{
	"TP": {}, "SL": {}, "BUY": {}, "SELL": {},
	"TP1": {}, "TP2": {}, "TP3": {}, "TP4": {}, "TP5": {},
}

// DefaultKnownSymbols is the instrument whitelist preferred over the first
// raw candidate when both appear in a message.
var DefaultKnownSymbols = []string{"XAUUSD", "XAGUSD", "EURUSD", "GBPUSD", "USDJPY", "US30", "GER40"}

// DefaultSymbolAliases maps colloquial instrument names onto venue symbols.
var DefaultSymbolAliases = map[string]string{
	"GOLD": "XAUUSD",
	"XAU":  "XAUUSD",
}

// Parser extracts ParsedSignal values from normalized text.
type Parser struct {
	known   map[string]struct{}
	aliases map[string]string
}

type Option func(*Parser)

// WithKnownSymbols replaces the preferred instrument whitelist.
func WithKnownSymbols(symbols []string) Option {
	return func(p *Parser) {
		p.known = make(map[string]struct{}, len(symbols))
		for _, s := range symbols {
			p.known[strings.ToUpper(s)] = struct{}{}
		}
	}
}

// WithSymbolAliases replaces the alias table applied to symbol candidates.
func WithSymbolAliases(aliases map[string]string) Option {
	return func(p *Parser) {
		p.aliases = make(map[string]string, len(aliases))
		for k, v := range aliases {
			p.aliases[strings.ToUpper(k)] = strings.ToUpper(v)
		}
	}
}

func New(opts ...Option) *Parser {
	p := &Parser{}
	WithKnownSymbols(DefaultKnownSymbols)(p)
	WithSymbolAliases(DefaultSymbolAliases)(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse extracts all recognisable fields from the raw message text.
func (p *Parser) Parse(text string) tradewire.ParsedSignal {
	raw := text
	s := strings.TrimSpace(Normalize(raw))

	ps := tradewire.ParsedSignal{Raw: raw}

	if m := sideRE.FindStringSubmatch(s); m != nil {
		ps.Side, _ = tradewire.ParseSide(m[1])
	}

	ps.Symbol = p.extractSymbol(s)

	// Entries stay in literal written order: the first price is the worst,
	// the second the better one. The planner validates that against the side.
	if m := entryRE.FindStringSubmatch(s); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			ps.Entries = append(ps.Entries, v)
		}
		if m[2] != "" {
			if v, err := strconv.ParseFloat(m[2], 64); err == nil {
				ps.Entries = append(ps.Entries, v)
			}
		}
	}

	for _, m := range tpLineRE.FindAllStringSubmatch(s, -1) {
		if strings.EqualFold(m[1], "OPEN") {
			ps.TPs = append(ps.TPs, nil)
			continue
		}
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			ps.TPs = append(ps.TPs, &v)
		}
	}

	if m := slRE.FindStringSubmatch(s); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			ps.SL = &v
		}
	}

	for _, re := range []*regexp.Regexp{slipRE, worseRE} {
		if m := re.FindStringSubmatch(s); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				ps.MaxSlipPips = &v
				break
			}
		}
	}

	return ps
}

func (p *Parser) extractSymbol(s string) string {
	var candidates []string
	for _, m := range symbolRE.FindAllStringSubmatch(s, -1) {
		tok := strings.ToUpper(m[1])
		if _, reserved := reservedTokens[tok]; reserved {
			continue
		}
		if alias, ok := p.aliases[tok]; ok {
			tok = alias
		}
		candidates = append(candidates, tok)
	}
	if len(candidates) == 0 {
		return ""
	}
	for _, c := range candidates {
		if _, ok := p.known[c]; ok {
			return c
		}
	}
	return candidates[0]
}
