// Package engine converts parsed chat messages into idempotent order
// actions. It is the only component that talks to the position registry, and
// the only operation it exposes is BuildActionsFromMessage: everything else
// (parsing, rule matching, leg planning) is pure computation feeding it.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/tradewire/tradewire/parser"
	"github.com/tradewire/tradewire/planner"
	"github.com/tradewire/tradewire/rules"
	"github.com/tradewire/tradewire/tradewire"
)

// Config carries the engine's tunables. It is immutable after construction
// and threaded into every component explicitly; there is no module-level
// state to reload.
type Config struct {
	// MaxLegs bounds the requested leg count for signals without entries.
	MaxLegs int
	// DefaultLegVolume is used when neither the caller nor the registry
	// knows a leg's volume.
	DefaultLegVolume float64
	// DefaultSymbol is assumed when a signal names no instrument.
	DefaultSymbol string
	RequireSymbol bool
	RequirePrice  bool
	// MinTextLen rejects obviously-too-short messages before any other gate.
	MinTextLen int
	// FailsafeOnUnparsed forwards rejected open-candidates to the reporter.
	FailsafeOnUnparsed bool
	// EnableIgnoreGate consults the dictionary's ignore_rules phrase list.
	EnableIgnoreGate bool
	// BreakEvenOffset shifts the break-even stop away from the entry, in
	// price units, in the direction of profit. Zero means SL exactly at
	// entry.
	BreakEvenOffset float64
	// ChatIDWhitelist and SenderWhitelist, when non-empty, restrict which
	// chats and senders may open positions.
	ChatIDWhitelist []int64
	SenderWhitelist []string
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxLegs:            10,
		DefaultLegVolume:   0.01,
		DefaultSymbol:      "XAUUSD",
		RequirePrice:       true,
		MinTextLen:         8,
		FailsafeOnUnparsed: true,
	}
}

// MgmtHandler builds the action for one management intent.
type MgmtHandler func(ctx context.Context, gk tradewire.GroupKey, ps tradewire.ParsedSignal, sourceMsgID string) (*tradewire.Action, error)

type Engine struct {
	cfg      Config
	parser   *parser.Parser
	dict     rules.Dictionary
	registry tradewire.PositionRegistry
	reporter tradewire.UnparsedReporter
	handlers map[string]MgmtHandler
	logger   *slog.Logger
	now      func() time.Time
}

type EngineOption func(*Engine)

// WithReporter attaches the unparsed-message reporter. Without one,
// rejections are only logged.
func WithReporter(r tradewire.UnparsedReporter) EngineOption {
	return func(e *Engine) { e.reporter = r }
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the engine's time source; ids embed a coarse
// timestamp, so tests pin this.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithParser(p *parser.Parser) EngineOption {
	return func(e *Engine) { e.parser = p }
}

func NewEngine(cfg Config, dict rules.Dictionary, registry tradewire.PositionRegistry, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:      cfg,
		parser:   parser.New(),
		dict:     dict,
		registry: registry,
		logger:   slog.Default().WithGroup("engine"),
		now:      time.Now,
	}
	e.handlers = map[string]MgmtHandler{
		"MGMT_BREAK_EVEN": e.buildModifyHandler("MGMT_BREAK_EVEN"),
		"MGMT_RISK_FREE":  e.buildModifyHandler("MGMT_RISK_FREE"),
		"MGMT_TP2_HIT":    e.buildCancelPending,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dict.Empty() {
		e.logger.Warn("rule dictionary is empty; every message will classify as NONE")
	} else {
		e.logger.Info("rule dictionary loaded",
			slog.String("dictionary_version", e.dict.Version),
			slog.Int("rules", len(e.dict.Rules)))
	}
	return e
}

// route is the rule engine's verdict on one message.
type route struct {
	kind   rules.Kind
	intent string
	ruleID string
}

func (e *Engine) semanticRoute(ps tradewire.ParsedSignal, text, replyToMsgID string) route {
	facts := rules.NewFacts(ps, text, replyToMsgID)
	match := rules.Evaluate(facts, e.dict)
	if match == nil {
		e.logger.Debug("no rule matched")
		return route{kind: rules.KindNone}
	}
	r := match.Rule
	e.logger.Debug("rule matched",
		slog.String("rule", r.ID), slog.String("intent", r.Intent))
	return route{kind: rules.Classify(r.Intent), intent: r.Intent, ruleID: r.ID}
}

// BuildActionsFromMessage parses one chat message and builds at most one
// Action. Rejected or unactionable messages yield an empty slice; no error
// ever reaches the caller for malformed trader input.
func (e *Engine) BuildActionsFromMessage(ctx context.Context, msg tradewire.Message, legsCount int, legVolume float64) []tradewire.Action {
	if e.maybeIgnore(msg) {
		return nil
	}

	legsCount = clamp(legsCount, 1, e.cfg.MaxLegs)
	if legVolume <= 0 {
		legVolume = e.cfg.DefaultLegVolume
	}

	ps := e.parser.Parse(msg.Text)
	rt := e.semanticRoute(ps, msg.Text, msg.ReplyToMsgID)

	// The range-direction invariant is checked before every other gate so a
	// contradictory message is always reported as INVALID_RANGE.
	if ps.HasSide() && len(ps.Entries) >= 2 {
		if _, err := planner.PlanLegs(ps, legsCount); err != nil {
			var rangeErr *planner.RangeError
			if errors.As(err, &rangeErr) {
				e.logger.Warn("invalid entry range", slog.String("error", rangeErr.Error()))
				if e.cfg.FailsafeOnUnparsed {
					e.reject(ctx, msg, ps, tradewire.ReasonInvalidRange, "")
				}
				return nil
			}
		}
	}

	// Edits skip the price gate: the edit path falls back to the recorded
	// group for anything the new text no longer carries.
	if rt.kind != rules.KindMgmt && !msg.IsEdit {
		hasSide := ps.HasSide()
		hasAt := strings.Contains(msg.Text, "@")
		if e.cfg.RequirePrice && (len(ps.Entries) == 0 || (hasSide && !hasAt)) {
			reason := tradewire.ReasonNoPrice
			if hasSide && !hasAt {
				reason = tradewire.ReasonMissingAt
			}
			if e.cfg.FailsafeOnUnparsed {
				e.reject(ctx, msg, ps, reason, "")
			}
			return nil
		}
	}

	if rt.kind == rules.KindMgmt {
		return e.buildMgmt(ctx, msg, ps, rt)
	}

	if msg.IsEdit {
		if act, gk := e.buildModifyFromEdit(ctx, ps, msg.SourceMsgID, legsCount); act != nil && e.validAction(*act) {
			e.logEmit(*act, gk)
			e.persistTargets(ctx, *act, gk)
			return []tradewire.Action{*act}
		}
	}

	if !e.validSignal(ps, msg) {
		// An edited message that still names a side falls through to an OPEN
		// rebuild rather than being reported.
		if !(msg.IsEdit && ps.HasSide()) {
			if e.cfg.FailsafeOnUnparsed {
				e.reject(ctx, msg, ps, e.reasonForUnparsed(ps, msg.Text), "")
			}
			return nil
		}
	}

	act := e.buildOpen(ps, msg.SourceMsgID, legsCount, legVolume)
	if act == nil || !e.validAction(*act) {
		return nil
	}

	gk, rerr := e.registry.RecordOpen(ctx, *act)
	if rerr != nil {
		e.logger.Warn("could not record open in registry",
			slog.String("action_id", act.ActionID), slog.String("error", rerr.Error()))
	}
	e.logEmit(*act, gk)
	return []tradewire.Action{*act}
}

func (e *Engine) buildMgmt(ctx context.Context, msg tradewire.Message, ps tradewire.ParsedSignal, rt route) []tradewire.Action {
	quoted := msg.ReplyToMsgID
	if quoted == "" {
		e.reject(ctx, msg, ps, tradewire.ReasonMgmtNoQuoted, "")
		return nil
	}

	gk, ok := e.registry.ResolveGroupKey(ctx, msg.Text, quoted)
	e.logger.Info("management intent",
		slog.String("intent", rt.intent),
		slog.String("reply_to", quoted),
		slog.String("gk", string(gk)))
	if !ok {
		e.reject(ctx, msg, ps, tradewire.ReasonMgmtNoGK, gk)
		return nil
	}

	handler, found := e.handlers[rt.intent]
	if !found {
		e.reject(ctx, msg, ps, tradewire.ReasonMgmtNoHandler, gk)
		return nil
	}

	act, err := handler(ctx, gk, ps, msg.SourceMsgID)
	if err != nil {
		e.logger.Warn("management handler failed",
			slog.String("intent", rt.intent), slog.String("gk", string(gk)),
			slog.String("error", err.Error()))
		return nil
	}
	if act == nil || !e.validAction(*act) {
		return nil
	}
	e.logEmit(*act, gk)
	if act.Type == tradewire.ActionModify {
		e.persistTargets(ctx, *act, gk)
	}
	return []tradewire.Action{*act}
}

func (e *Engine) maybeIgnore(msg tradewire.Message) bool {
	if !e.cfg.EnableIgnoreGate {
		return false
	}
	phrase, hit := e.dict.Ignore.MatchIgnore(msg.Text)
	if hit {
		e.logger.Info("ignored by dictionary rule",
			slog.String("source_msg_id", msg.SourceMsgID),
			slog.String("phrase", phrase))
	}
	return hit
}

func (e *Engine) validSignal(ps tradewire.ParsedSignal, msg tradewire.Message) bool {
	if len(strings.TrimSpace(msg.Text)) < e.cfg.MinTextLen {
		return false
	}
	if !ps.HasSide() {
		return false
	}
	if e.cfg.RequireSymbol && ps.Symbol == "" {
		return false
	}
	if e.cfg.RequirePrice && !ps.HasPriceInfo() {
		return false
	}
	if len(e.cfg.ChatIDWhitelist) > 0 && msg.ChatID != 0 && !containsInt(e.cfg.ChatIDWhitelist, msg.ChatID) {
		return false
	}
	if len(e.cfg.SenderWhitelist) > 0 && msg.Sender != "" && !containsFold(e.cfg.SenderWhitelist, msg.Sender) {
		return false
	}
	return true
}

// reasonForUnparsed picks the most specific rejection reason. The range
// check runs first; a side keyword plus digits but no @ marker means a
// malformed price line.
func (e *Engine) reasonForUnparsed(ps tradewire.ParsedSignal, raw string) tradewire.Reason {
	if ps.HasSide() && len(ps.Entries) >= 2 {
		worst, better := ps.Entries[0], ps.Entries[1]
		if (ps.Side == tradewire.Buy && worst <= better) ||
			(ps.Side == tradewire.Sell && worst >= better) {
			return tradewire.ReasonInvalidRange
		}
	}
	text := strings.TrimSpace(raw)
	if ps.HasSide() && strings.ContainsAny(text, "0123456789") && !strings.Contains(text, "@") {
		return tradewire.ReasonMissingAt
	}
	return tradewire.ReasonNoMatch
}

// reject logs the structured rejection event and hands the message to the
// reporter. The reporter contract is fire-and-forget: failures are logged
// and swallowed, never propagated.
func (e *Engine) reject(ctx context.Context, msg tradewire.Message, ps tradewire.ParsedSignal, reason tradewire.Reason, gk tradewire.GroupKey) {
	e.logger.Info("UNPARSED",
		slog.String("reason", string(reason)),
		slog.String("gk", string(gk)),
		slog.String("source_msg_id", msg.SourceMsgID))

	if e.reporter == nil {
		return
	}
	symbolGuess := ps.Symbol
	if symbolGuess == "" {
		symbolGuess = e.cfg.DefaultSymbol
	}
	err := e.reporter.Report(ctx, tradewire.UnparsedMessage{
		SourceMsgID: msg.SourceMsgID,
		Text:        msg.Text,
		Reason:      reason,
		SymbolGuess: symbolGuess,
		SideGuess:   ps.Side,
		GroupKey:    gk,
		ObservedAt:  e.now(),
	})
	if err != nil {
		e.logger.Warn("unparsed reporter failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) logEmit(act tradewire.Action, gk tradewire.GroupKey) {
	e.logger.Info(act.Type.String(),
		slog.String("action_id", act.ActionID),
		slog.String("gk", string(gk)),
		slog.String("source_msg_id", act.SourceMsgID),
		slog.Int("legs", len(act.Legs)))
}

// persistTargets records the desired SL/TP of a MODIFY back into the
// registry. Failures are logged only; the action is already built.
func (e *Engine) persistTargets(ctx context.Context, act tradewire.Action, gk tradewire.GroupKey) {
	for _, l := range act.Legs {
		tag := l.Tag
		if tag == "" {
			tag = l.LegID
		}
		if err := e.registry.UpdateLegTargets(ctx, gk, tag, l.SL, l.TP); err != nil {
			e.logger.Warn("could not persist leg targets",
				slog.String("gk", string(gk)), slog.String("tag", tag),
				slog.String("error", err.Error()))
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func containsInt(list []int64, v int64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}
