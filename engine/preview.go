package engine

import (
	"context"

	"github.com/tradewire/tradewire/tradewire"
)

// Preview returns an engine that computes the same actions without side
// effects: opens are never recorded, rewritten targets are never persisted,
// and rejections never reach the reporter. Reads still consult the live
// registry so edit and management previews resolve against real groups.
func (e *Engine) Preview() *Engine {
	p := *e
	p.registry = readOnlyRegistry{inner: e.registry}
	p.reporter = nil
	p.handlers = map[string]MgmtHandler{
		"MGMT_BREAK_EVEN": p.buildModifyHandler("MGMT_BREAK_EVEN"),
		"MGMT_RISK_FREE":  p.buildModifyHandler("MGMT_RISK_FREE"),
		"MGMT_TP2_HIT":    p.buildCancelPending,
	}
	return &p
}

// readOnlyRegistry forwards lookups to the real registry and swallows writes.
type readOnlyRegistry struct {
	inner tradewire.PositionRegistry
}

func (r readOnlyRegistry) ListOpenLegs(ctx context.Context, gk tradewire.GroupKey) ([]tradewire.LegMeta, error) {
	return r.inner.ListOpenLegs(ctx, gk)
}

func (r readOnlyRegistry) ResolveGroupKey(ctx context.Context, text, replyToMsgID string) (tradewire.GroupKey, bool) {
	return r.inner.ResolveGroupKey(ctx, text, replyToMsgID)
}

func (r readOnlyRegistry) UpdateLegTargets(context.Context, tradewire.GroupKey, string, *float64, *float64) error {
	return nil
}

func (r readOnlyRegistry) RecordOpen(_ context.Context, action tradewire.Action) (tradewire.GroupKey, error) {
	return tradewire.GroupKeyForOpen(action.SourceMsgID), nil
}
