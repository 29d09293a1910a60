// Package registry persists the mapping from chat messages to the position
// groups they opened, so later management messages can be resolved back to
// concrete legs. It is the only durable state in the pipeline.
package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/tradewire/tradewire/pkg/sqllogger"
	"github.com/tradewire/tradewire/tradewire"
)

//go:embed schema.sql
var schemaDDL string

// Leg lifecycle states as stored in legs_index.
const (
	StatusPending = "PENDING"
	StatusOpen    = "OPEN"
)

// gkMarkerRE matches an explicit group-key marker embedded in message text,
// the fallback when a management message is not a reply.
var gkMarkerRE = regexp.MustCompile(`\[GK:(OPEN_[^\]]+)\]`)

// Registry is an sqlite-backed tradewire.PositionRegistry. All access is
// serialized: sqlite only ever sees one writer, and the single connection
// keeps WAL bookkeeping trivial.
type Registry struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

func New(path string, logger *slog.Logger) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{db: db, logger: logger.WithGroup("registry")}, nil
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Close()
}

// RecordOpen inserts the action's legs as PENDING under the group key derived
// from the source message. Replays are absorbed by INSERT OR IGNORE, so
// recording the same OPEN twice is a no-op.
func (r *Registry) RecordOpen(ctx context.Context, action tradewire.Action) (tradewire.GroupKey, error) {
	gk := tradewire.GroupKeyForOpen(action.SourceMsgID)

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return gk, fmt.Errorf("begin record open: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO signals (source_msg_id, group_key) VALUES (?, ?)`,
		action.SourceMsgID, string(gk)); err != nil {
		return gk, fmt.Errorf("record signal: %w", err)
	}

	for _, leg := range action.Legs {
		tag := leg.Tag
		if tag == "" {
			tag = leg.LegID
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO legs_index
			   (group_key, leg_tag, symbol, side, volume, entry, sl, tp, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(gk), tag, leg.Symbol, string(leg.Side), leg.Volume,
			nullFloat(leg.Entry), nullFloat(leg.SL), nullFloat(leg.TP),
			StatusPending); err != nil {
			return gk, fmt.Errorf("record leg %s: %w", tag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return gk, fmt.Errorf("commit record open: %w", err)
	}

	r.logger.Debug("open recorded",
		slog.String("gk", string(gk)), slog.Int("legs", len(action.Legs)))
	return gk, nil
}

// ListOpenLegs returns the recorded legs of a group ordered by tag.
func (r *Registry) ListOpenLegs(ctx context.Context, gk tradewire.GroupKey) ([]tradewire.LegMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx,
		`SELECT leg_tag, symbol, side, volume, entry, sl, tp,
		        order_ticket, position_ticket, deal_ticket, status
		   FROM legs_index
		  WHERE group_key = ?
		  ORDER BY leg_tag`,
		string(gk))
	if err != nil {
		return nil, fmt.Errorf("list open legs: %w", err)
	}
	defer rows.Close()

	var out []tradewire.LegMeta
	for rows.Next() {
		var (
			meta                   tradewire.LegMeta
			symbol, side, status   sql.NullString
			volume, entry, sl, tp  sql.NullFloat64
			ordT, posT, dealT      sql.NullInt64
		)
		if err := rows.Scan(&meta.LegTag, &symbol, &side, &volume, &entry, &sl, &tp,
			&ordT, &posT, &dealT, &status); err != nil {
			return nil, fmt.Errorf("scan leg row: %w", err)
		}
		meta.Symbol = symbol.String
		meta.Side = tradewire.Side(side.String)
		meta.Volume = volume.Float64
		meta.Entry = fromNullFloat(entry)
		meta.SL = fromNullFloat(sl)
		meta.TP = fromNullFloat(tp)
		meta.OrderTicket = fromNullInt(ordT)
		meta.PositionTicket = fromNullInt(posT)
		meta.DealTicket = fromNullInt(dealT)
		meta.Status = status.String
		out = append(out, meta)
	}
	return out, rows.Err()
}

// ResolveGroupKey maps a management message onto the group it targets. A
// reply wins; an explicit [GK:OPEN_...] marker in the text is the fallback.
// Either way the group must actually exist in the index: a reply to a
// message that never opened anything resolves to nothing.
func (r *Registry) ResolveGroupKey(ctx context.Context, text string, replyToMsgID string) (tradewire.GroupKey, bool) {
	if replyToMsgID != "" {
		gk := tradewire.GroupKeyForOpen(replyToMsgID)
		if r.groupExists(ctx, gk) {
			return gk, true
		}
	}
	if m := gkMarkerRE.FindStringSubmatch(text); m != nil {
		gk := tradewire.GroupKey(m[1])
		if r.groupExists(ctx, gk) {
			return gk, true
		}
	}
	return "", false
}

func (r *Registry) groupExists(ctx context.Context, gk tradewire.GroupKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM legs_index WHERE group_key = ? LIMIT 1`,
		string(gk)).Scan(&one)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		r.logger.Warn("group lookup failed",
			slog.String("gk", string(gk)), slog.String("error", err.Error()))
		return false
	}
	return true
}

// UpdateLegTargets persists desired SL/TP for one leg. Nil fields are left
// untouched; the stored values stand in for the venue state until the next
// acknowledgement arrives.
func (r *Registry) UpdateLegTargets(ctx context.Context, gk tradewire.GroupKey, legTag string, sl, tp *float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sl != nil {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE legs_index SET sl = ? WHERE group_key = ? AND leg_tag = ?`,
			*sl, string(gk), legTag); err != nil {
			return fmt.Errorf("update leg sl: %w", err)
		}
	}
	if tp != nil {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE legs_index SET tp = ? WHERE group_key = ? AND leg_tag = ?`,
			*tp, string(gk), legTag); err != nil {
			return fmt.Errorf("update leg tp: %w", err)
		}
	}
	return nil
}

// LegAck is one per-leg acknowledgement from the execution venue.
type LegAck struct {
	// LegIndex is the 1-based ordinal embedded in the leg tag suffix "#N".
	LegIndex       int
	OrderTicket    *int64
	PositionTicket *int64
	DealTicket     *int64
}

// ApplyOpenAck backfills venue tickets into the legs of the group opened by
// sourceMsgID and flips acknowledged legs to OPEN. Legs are matched by the
// "#N" tag suffix so symbol formatting differences cannot break the join.
func (r *Registry) ApplyOpenAck(ctx context.Context, sourceMsgID string, acks []LegAck) error {
	gk := tradewire.GroupKeyForOpen(sourceMsgID)

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply ack: %w", err)
	}
	defer tx.Rollback()

	for _, ack := range acks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE legs_index
			    SET order_ticket    = COALESCE(?, order_ticket),
			        position_ticket = COALESCE(?, position_ticket),
			        deal_ticket     = COALESCE(?, deal_ticket),
			        status          = ?
			  WHERE group_key = ?
			    AND leg_tag LIKE ?`,
			nullInt(ack.OrderTicket), nullInt(ack.PositionTicket),
			nullInt(ack.DealTicket), StatusOpen,
			string(gk), fmt.Sprintf("%%#%d", ack.LegIndex)); err != nil {
			return fmt.Errorf("apply ack for leg %d: %w", ack.LegIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply ack: %w", err)
	}

	r.logger.Debug("open ack applied",
		slog.String("gk", string(gk)), slog.Int("legs", len(acks)))
	return nil
}

// LogInsertFunc returns a sqllogger.InsertFunc writing into the app_logs
// table, so the log mirror and the position index share one sqlite file.
func (r *Registry) LogInsertFunc() sqllogger.InsertFunc {
	return func(ctx context.Context, entry sqllogger.Entry) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		_, err := r.db.ExecContext(ctx,
			`INSERT INTO app_logs (ts_millis, level, scope, message, attrs_json)
			 VALUES (?, ?, ?, ?, ?)`,
			entry.TimestampMillis, entry.Level, nullString(entry.Scope),
			entry.Message, string(entry.AttrsJSON))
		if err != nil {
			return fmt.Errorf("insert app log: %w", err)
		}
		return nil
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func fromNullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
