package tradewire

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Side is the direction of a trade instruction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide maps a free-form token onto a Side. The bool reports whether the
// token was recognised.
func ParseSide(raw string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY":
		return Buy, true
	case "SELL":
		return Sell, true
	default:
		return "", false
	}
}

type ActionType int

const (
	ActionNone ActionType = iota
	ActionOpen
	ActionModify
	ActionCancel
)

func (t ActionType) String() string {
	switch t {
	case ActionOpen:
		return "OPEN"
	case ActionModify:
		return "MODIFY"
	case ActionCancel:
		return "CANCEL"
	default:
		return "NONE"
	}
}

// Leg is one order unit belonging to a signal's execution plan. A Leg is
// mutable across its lifecycle: planned legs carry no tickets, acknowledged
// legs carry an order ticket, filled legs a position ticket.
type Leg struct {
	LegID  string
	Symbol string
	Side   Side
	Volume float64
	Entry  *float64
	SL     *float64
	TP     *float64
	// Tag is passed through to the venue as an audit comment.
	Tag string

	OrderTicket    *int64
	PositionTicket *int64
}

// Action is the unit of idempotent work handed to the downstream venue.
// Identical (type, source message, leg contents) always produce an identical
// ActionID, which is what gives the downstream queue at-most-once semantics.
type Action struct {
	ActionID    string
	Type        ActionType
	Legs        []Leg
	SourceMsgID string
	CreatedAt   time.Time
}

// ParsedSignal is the ephemeral result of field extraction, produced fresh
// per message. Absent fields are nil/empty, never an error.
type ParsedSignal struct {
	Side   Side // empty when no side keyword was found
	Symbol string
	// Entries holds 0, 1 or 2 prices. Two prices form a range in the literal
	// written order [worst, better]; the order is validated against Side by
	// the planner, not here.
	Entries []float64
	// TPs preserves encounter order; a nil element is the OPEN sentinel
	// (runner leg, no fixed target).
	TPs         []*float64
	SL          *float64
	MaxSlipPips *float64
	Raw         string
}

// HasSide reports whether a side keyword was extracted.
func (ps ParsedSignal) HasSide() bool { return ps.Side == Buy || ps.Side == Sell }

// HasPriceInfo reports whether the message carries any price at all.
func (ps ParsedSignal) HasPriceInfo() bool {
	if len(ps.Entries) > 0 || ps.SL != nil {
		return true
	}
	for _, tp := range ps.TPs {
		if tp != nil {
			return true
		}
	}
	return false
}

// GroupKey identifies the position group opened by a message: OPEN_<msg_id>.
type GroupKey string

// GroupKeyForOpen derives the group key implicitly created when an OPEN
// action is recorded.
func GroupKeyForOpen(sourceMsgID string) GroupKey {
	return GroupKey(fmt.Sprintf("OPEN_%s", sourceMsgID))
}

// LegMeta is the registry's view of a recorded leg.
type LegMeta struct {
	LegTag         string
	Symbol         string
	Side           Side
	Volume         float64
	Entry          *float64
	SL             *float64
	TP             *float64
	OrderTicket    *int64
	PositionTicket *int64
	DealTicket     *int64
	Status         string
}

// Pending reports whether a leg is cancellable: it has an order ticket and
// has been neither filled into a position nor matched by a deal. A filled leg
// is never treated as pending regardless of other hints.
func (m LegMeta) Pending() bool {
	if m.OrderTicket == nil {
		return false
	}
	if m.PositionTicket != nil || m.DealTicket != nil {
		return false
	}
	return true
}

// PositionRegistry is the persistent index tying management messages back to
// their originating OPEN. The engine only ever reads during MODIFY/CANCEL
// builds and writes through RecordOpen/UpdateLegTargets; retention is the
// host's concern.
type PositionRegistry interface {
	ListOpenLegs(ctx context.Context, gk GroupKey) ([]LegMeta, error)
	ResolveGroupKey(ctx context.Context, text string, replyToMsgID string) (GroupKey, bool)
	UpdateLegTargets(ctx context.Context, gk GroupKey, legTag string, sl, tp *float64) error
	RecordOpen(ctx context.Context, action Action) (GroupKey, error)
}

// Reason explains why a message was rejected instead of producing an Action.
type Reason string

const (
	ReasonInvalidRange  Reason = "INVALID_RANGE"
	ReasonMissingAt     Reason = "MISSING_AT"
	ReasonNoPrice       Reason = "NO_PRICE"
	ReasonMgmtNoQuoted  Reason = "MGMT_NO_QUOTED"
	ReasonMgmtNoGK      Reason = "MGMT_NO_GK"
	ReasonMgmtNoHandler Reason = "MGMT_NO_HANDLER"
	ReasonNoMatch       Reason = "NO_MATCH"
)

// UnparsedMessage carries everything the reporter needs about a rejected
// message.
type UnparsedMessage struct {
	SourceMsgID string
	Text        string
	Reason      Reason
	SymbolGuess string
	SideGuess   Side
	GroupKey    GroupKey
	ObservedAt  time.Time
}

// UnparsedReporter receives messages the engine could not turn into trades.
// Implementations must tolerate being called zero or many times and must not
// block the caller; failures are swallowed by the engine.
type UnparsedReporter interface {
	Report(ctx context.Context, msg UnparsedMessage) error
}

// Message is one inbound chat message as seen by the engine.
type Message struct {
	SourceMsgID  string
	Text         string
	IsEdit       bool
	ReplyToMsgID string
	ChatID       int64
	Sender       string
}
