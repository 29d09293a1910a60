package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tradewire/tradewire/actionid"
	"github.com/tradewire/tradewire/planner"
	"github.com/tradewire/tradewire/tradewire"
)

// buildOpen plans the legs for a fresh signal and wraps them into an OPEN
// action. The leg count is decided entirely by the planner; legsCount only
// matters for entry-less signals.
func (e *Engine) buildOpen(ps tradewire.ParsedSignal, sourceMsgID string, legsCount int, legVolume float64) *tradewire.Action {
	symbol := strings.ToUpper(ps.Symbol)
	if symbol == "" {
		symbol = e.cfg.DefaultSymbol
	}

	plan, err := planner.PlanLegs(ps, legsCount)
	if err != nil {
		e.logger.Warn("leg planning failed", slog.String("error", err.Error()))
		return nil
	}

	clientID := actionid.ClientID(symbol, sourceMsgID)
	legs := make([]tradewire.Leg, 0, plan.Legs)
	for i := 0; i < plan.Legs; i++ {
		legID := actionid.LegID(clientID, i+1)
		legs = append(legs, tradewire.Leg{
			LegID:  legID,
			Symbol: symbol,
			Side:   ps.Side,
			Volume: legVolume,
			Entry:  at(plan.Entries, i),
			SL:     ps.SL,
			TP:     at(plan.TPs, i),
			Tag:    legID,
		})
	}

	id := actionid.New(tradewire.ActionOpen, sourceMsgID, legs, e.now())
	return &tradewire.Action{
		ActionID:    id.String(),
		Type:        tradewire.ActionOpen,
		Legs:        legs,
		SourceMsgID: sourceMsgID,
		CreatedAt:   id.CreatedAt,
	}
}

// buildModifyHandler returns the handler that rewrites stops for a group.
// Break-even intents move each leg's SL to its own entry, shifted by the
// configured offset in the direction of profit.
func (e *Engine) buildModifyHandler(intent string) MgmtHandler {
	return func(ctx context.Context, gk tradewire.GroupKey, ps tradewire.ParsedSignal, sourceMsgID string) (*tradewire.Action, error) {
		legsMeta, err := e.registry.ListOpenLegs(ctx, gk)
		if err != nil {
			return nil, err
		}
		if len(legsMeta) == 0 {
			return nil, nil
		}

		baseSymbol := e.baseSymbol(legsMeta, ps)
		clientID := actionid.ClientID(baseSymbol, sourceMsgID)

		legs := make([]tradewire.Leg, 0, len(legsMeta))
		for i, meta := range legsMeta {
			targetSL := meta.SL
			if meta.Entry != nil {
				targetSL = e.breakEvenSL(*meta.Entry, legSide(meta, ps))
			}
			legs = append(legs, tradewire.Leg{
				LegID:          actionid.LegID(clientID, i+1),
				Symbol:         coalesceSymbol(meta.Symbol, baseSymbol),
				Side:           legSide(meta, ps),
				Volume:         legVolume(meta.Volume, e.cfg.DefaultLegVolume),
				Entry:          meta.Entry,
				SL:             targetSL,
				TP:             meta.TP,
				Tag:            meta.LegTag,
				OrderTicket:    meta.OrderTicket,
				PositionTicket: meta.PositionTicket,
			})
		}
		legs = e.coalesceModifyLegs(legs, gk)

		e.logger.Debug("built stop rewrite",
			slog.String("intent", intent), slog.String("gk", string(gk)),
			slog.Int("legs", len(legs)))

		id := actionid.New(tradewire.ActionModify, sourceMsgID, legs, e.now())
		return &tradewire.Action{
			ActionID:    id.String(),
			Type:        tradewire.ActionModify,
			Legs:        legs,
			SourceMsgID: sourceMsgID,
			CreatedAt:   id.CreatedAt,
		}, nil
	}
}

// buildCancelPending targets only legs still resting as pending orders.
// Filled positions are never cancelled here, whatever other hints say.
func (e *Engine) buildCancelPending(ctx context.Context, gk tradewire.GroupKey, ps tradewire.ParsedSignal, sourceMsgID string) (*tradewire.Action, error) {
	legsMeta, err := e.registry.ListOpenLegs(ctx, gk)
	if err != nil {
		return nil, err
	}
	if len(legsMeta) == 0 {
		return nil, nil
	}

	baseSymbol := e.baseSymbol(legsMeta, ps)
	clientID := actionid.ClientID(baseSymbol, sourceMsgID)

	legs := make([]tradewire.Leg, 0, len(legsMeta))
	for i, meta := range legsMeta {
		if !meta.Pending() {
			continue
		}
		tag := meta.LegTag
		if tag == "" {
			tag = actionid.LegID(clientID, i+1)
		}
		legs = append(legs, tradewire.Leg{
			LegID:          actionid.LegID(clientID, i+1),
			Symbol:         coalesceSymbol(meta.Symbol, baseSymbol),
			Side:           legSide(meta, ps),
			Volume:         legVolume(meta.Volume, e.cfg.DefaultLegVolume),
			Tag:            tag,
			OrderTicket:    meta.OrderTicket,
			PositionTicket: meta.PositionTicket,
		})
	}

	e.logger.Info("CANCEL_COUNTS",
		slog.String("gk", string(gk)),
		slog.Int("total", len(legsMeta)),
		slog.Int("pending_targeted", len(legs)))

	if len(legs) == 0 {
		return nil, nil
	}

	id := actionid.New(tradewire.ActionCancel, sourceMsgID, legs, e.now())
	return &tradewire.Action{
		ActionID:    id.String(),
		Type:        tradewire.ActionCancel,
		Legs:        legs,
		SourceMsgID: sourceMsgID,
		CreatedAt:   id.CreatedAt,
	}, nil
}

// buildModifyFromEdit rebuilds the desired targets when an OPEN message is
// edited. The same planner drives OPEN and edit so a 16-leg group gets its
// full entry ladder and repeated TP block back, then each planned slot is
// overlaid on the recorded leg, falling back to the recorded value where the
// edit stayed silent. The resolved group key is returned alongside the action
// so the caller never re-queries the registry for it.
func (e *Engine) buildModifyFromEdit(ctx context.Context, ps tradewire.ParsedSignal, sourceMsgID string, legsCount int) (*tradewire.Action, tradewire.GroupKey) {
	gk, ok := e.registry.ResolveGroupKey(ctx, ps.Raw, sourceMsgID)
	e.logger.Info("OPEN_EDIT", slog.String("gk", string(gk)))
	if !ok {
		return nil, ""
	}
	legsMeta, err := e.registry.ListOpenLegs(ctx, gk)
	if err != nil || len(legsMeta) == 0 {
		return nil, gk
	}

	plan, perr := planner.PlanLegs(ps, legsCount)
	if perr != nil {
		e.logger.Warn("edit planning failed",
			slog.String("gk", string(gk)), slog.String("error", perr.Error()))
		return nil, gk
	}

	entries := plan.Entries
	tps := plan.TPs
	if len(ps.Entries) == 0 {
		// The edit dropped the entry prices; keep the recorded ladder and
		// re-spread the TPs across it.
		entries = make([]*float64, 0, len(legsMeta))
		for _, meta := range legsMeta {
			entries = append(entries, meta.Entry)
		}
		if p2, err2 := planner.PlanLegs(ps, len(legsMeta)); err2 == nil {
			tps = p2.TPs
		}
	}

	baseSymbol := e.baseSymbol(legsMeta, ps)
	clientID := actionid.ClientID(baseSymbol, sourceMsgID)

	legs := make([]tradewire.Leg, 0, len(legsMeta))
	for i, meta := range legsMeta {
		legID := actionid.LegID(clientID, i+1)
		tag := meta.LegTag
		if tag == "" {
			tag = legID
		}
		entry := at(entries, i)
		if entry == nil {
			entry = meta.Entry
		}
		sl := ps.SL
		if sl == nil {
			sl = meta.SL
		}
		tp := at(tps, i)
		if tp == nil && i >= len(tps) {
			tp = meta.TP
		}
		legs = append(legs, tradewire.Leg{
			LegID:          legID,
			Symbol:         coalesceSymbol(meta.Symbol, baseSymbol),
			Side:           legSide(meta, ps),
			Volume:         legVolume(meta.Volume, e.cfg.DefaultLegVolume),
			Entry:          entry,
			SL:             sl,
			TP:             tp,
			Tag:            tag,
			OrderTicket:    meta.OrderTicket,
			PositionTicket: meta.PositionTicket,
		})
		e.logger.Debug("MGMT_RESOLVE",
			slog.String("gk", string(gk)),
			slog.String("tag", tag),
			slog.String("resolved_by", resolvedBy(meta)))
	}

	// An edit can widen the plan beyond the recorded group; extra slots
	// become new legs with default volume.
	for j := len(legsMeta); j < len(entries); j++ {
		legs = append(legs, tradewire.Leg{
			LegID:  actionid.LegID(clientID, j+1),
			Symbol: baseSymbol,
			Side:   ps.Side,
			Volume: e.cfg.DefaultLegVolume,
			Entry:  at(entries, j),
			SL:     ps.SL,
			TP:     at(tps, j),
			Tag:    actionid.LegID(baseSymbol, j+1),
		})
	}

	legs = e.coalesceModifyLegs(legs, gk)
	id := actionid.New(tradewire.ActionModify, sourceMsgID, legs, e.now())
	return &tradewire.Action{
		ActionID:    id.String(),
		Type:        tradewire.ActionModify,
		Legs:        legs,
		SourceMsgID: sourceMsgID,
		CreatedAt:   id.CreatedAt,
	}, gk
}

// coalesceModifyLegs collapses legs that resolve to the same venue ticket:
// one MODIFY per position or order, the survivor chosen by tag order. Legs
// with no ticket only group with themselves.
func (e *Engine) coalesceModifyLegs(legs []tradewire.Leg, gk tradewire.GroupKey) []tradewire.Leg {
	grouped := make(map[string][]tradewire.Leg)
	order := make([]string, 0, len(legs))
	keyFor := func(l tradewire.Leg) string {
		if l.PositionTicket != nil {
			return fmt.Sprintf("pos:%d", *l.PositionTicket)
		}
		if l.OrderTicket != nil {
			return fmt.Sprintf("ord:%d", *l.OrderTicket)
		}
		tag := l.Tag
		if tag == "" {
			tag = l.LegID
		}
		return "tag:" + tag
	}
	for _, l := range legs {
		k := keyFor(l)
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], l)
	}

	out := make([]tradewire.Leg, 0, len(legs))
	for _, k := range order {
		arr := grouped[k]
		if !strings.HasPrefix(k, "pos:") && !strings.HasPrefix(k, "ord:") {
			out = append(out, arr...)
			continue
		}
		actionid.SortLegsByTag(arr)
		keep, dropped := arr[0], arr[1:]
		if len(dropped) > 0 {
			tags := make([]string, 0, len(dropped))
			for _, d := range dropped {
				tags = append(tags, d.Tag)
			}
			e.logger.Info("MGMT_COALESCE",
				slog.String("gk", string(gk)),
				slog.String("ticket_key", k),
				slog.String("kept", keep.Tag),
				slog.Any("dropped", tags))
		}
		out = append(out, keep)
	}
	return out
}

// validAction rejects actions that would be refused downstream anyway: no
// legs, a leg without a symbol, or a zero volume.
func (e *Engine) validAction(act tradewire.Action) bool {
	if len(act.Legs) == 0 {
		return false
	}
	for _, l := range act.Legs {
		if l.Symbol == "" {
			return false
		}
		if l.Volume == 0 {
			return false
		}
	}
	return true
}

func (e *Engine) baseSymbol(legsMeta []tradewire.LegMeta, ps tradewire.ParsedSignal) string {
	if len(legsMeta) > 0 && legsMeta[0].Symbol != "" {
		return strings.ToUpper(legsMeta[0].Symbol)
	}
	if ps.Symbol != "" {
		return strings.ToUpper(ps.Symbol)
	}
	return e.cfg.DefaultSymbol
}

func (e *Engine) breakEvenSL(entry float64, side tradewire.Side) *float64 {
	sl := entry
	switch side {
	case tradewire.Buy:
		sl += e.cfg.BreakEvenOffset
	case tradewire.Sell:
		sl -= e.cfg.BreakEvenOffset
	}
	return &sl
}

func legSide(meta tradewire.LegMeta, ps tradewire.ParsedSignal) tradewire.Side {
	if meta.Side != "" {
		return meta.Side
	}
	if ps.HasSide() {
		return ps.Side
	}
	// The venue ignores side on MODIFY/CANCEL but the wire schema requires
	// one.
	return tradewire.Buy
}

func legVolume(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

func coalesceSymbol(s, fallback string) string {
	if s != "" {
		return strings.ToUpper(s)
	}
	return fallback
}

func resolvedBy(meta tradewire.LegMeta) string {
	switch {
	case meta.PositionTicket != nil:
		return "position_ticket"
	case meta.OrderTicket != nil:
		return "order_ticket"
	default:
		return "tag"
	}
}

func at(s []*float64, i int) *float64 {
	if i < 0 || i >= len(s) {
		return nil
	}
	return s[i]
}
