package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tradewire/tradewire/tradewire"
)

// FileSink appends actions to daily NDJSON files, one object per line, in
// the drop directory the execution bridge watches. Delivery is at-most-once
// per action id for the lifetime of the process.
type FileSink struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	written map[string]struct{}
}

type fileRecord struct {
	ActionID    string    `json:"action_id"`
	Type        string    `json:"type"`
	SourceMsgID string    `json:"source_msg_id"`
	CreatedAt   time.Time `json:"created_at"`
	Legs        []fileLeg `json:"legs"`
}

type fileLeg struct {
	LegID          string   `json:"leg_id"`
	Symbol         string   `json:"symbol"`
	Side           string   `json:"side"`
	Volume         float64  `json:"volume"`
	Entry          *float64 `json:"entry"`
	SL             *float64 `json:"sl"`
	TP             *float64 `json:"tp"`
	Tag            string   `json:"tag"`
	OrderTicket    *int64   `json:"order_ticket,omitempty"`
	PositionTicket *int64   `json:"position_ticket,omitempty"`
}

func NewFileSink(dir string, logger *slog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create actions dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{
		dir:     dir,
		logger:  logger.WithGroup("file-sink"),
		now:     time.Now,
		written: make(map[string]struct{}),
	}, nil
}

func (s *FileSink) Write(_ context.Context, action tradewire.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.written[action.ActionID]; done {
		s.logger.Debug("action already written, skipping",
			slog.String("action_id", action.ActionID))
		return nil
	}

	rec := fileRecord{
		ActionID:    action.ActionID,
		Type:        action.Type.String(),
		SourceMsgID: action.SourceMsgID,
		CreatedAt:   action.CreatedAt.UTC(),
		Legs:        make([]fileLeg, 0, len(action.Legs)),
	}
	for _, leg := range action.Legs {
		rec.Legs = append(rec.Legs, fileLeg{
			LegID:          leg.LegID,
			Symbol:         leg.Symbol,
			Side:           string(leg.Side),
			Volume:         leg.Volume,
			Entry:          leg.Entry,
			SL:             leg.SL,
			TP:             leg.TP,
			Tag:            leg.Tag,
			OrderTicket:    leg.OrderTicket,
			PositionTicket: leg.PositionTicket,
		})
	}

	path := filepath.Join(s.dir, fmt.Sprintf("actions_%s.ndjson", s.now().UTC().Format("20060102")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open actions file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return fmt.Errorf("append action: %w", err)
	}

	s.written[action.ActionID] = struct{}{}
	s.logger.Info("action written",
		slog.String("action_id", action.ActionID),
		slog.String("type", rec.Type),
		slog.Int("legs", len(rec.Legs)))
	return nil
}
