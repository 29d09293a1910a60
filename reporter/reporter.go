// Package reporter handles the messages the engine refused to trade on: it
// appends them to daily NDJSON files for audit and optionally forwards them
// to a human review channel, deduplicating repeats within a rolling window.
package reporter

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tradewire/tradewire/tradewire"
)

const (
	DefaultDedupWindow = 5 * time.Minute
	DefaultKeepDays    = 30
)

// Forwarder posts a rendered review note somewhere a human will see it.
type Forwarder interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type Config struct {
	// Dir receives the daily unparsed_YYYYMMDD.ndjson files.
	Dir string
	// DedupWindow suppresses forwarding of identical text seen again within
	// the window. The NDJSON record is always written.
	DedupWindow time.Duration
	// KeepDays prunes daily files older than this many days; zero disables
	// pruning.
	KeepDays      int
	ParserVersion string
	// ReviewChatID is where forwarded messages land. Forwarding is off when
	// zero or when no Forwarder is attached.
	ReviewChatID int64
}

// Record is one NDJSON line.
type Record struct {
	ID           string `json:"id"`
	TsUTC        string `json:"ts_utc"`
	SourceMsgID  string `json:"source_msg_id"`
	RawText      string `json:"raw_text"`
	Reason       string `json:"reason"`
	SymbolGuess  string `json:"symbol_guess,omitempty"`
	SideGuess    string `json:"side_guess,omitempty"`
	GroupKey     string `json:"gk,omitempty"`
	ParserVer    string `json:"parser_version"`
	ContentSHA1  string `json:"content_sha1"`
	ForwardState string `json:"forward_state"`
}

// LogSink is the synchronous tradewire.UnparsedReporter. It is safe for
// concurrent use; writes to the daily file are serialized.
type LogSink struct {
	cfg       Config
	forwarder Forwarder
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

type Option func(*LogSink)

func WithForwarder(f Forwarder) Option {
	return func(s *LogSink) { s.forwarder = f }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *LogSink) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *LogSink) { s.now = now }
}

func NewLogSink(cfg Config, opts ...Option) (*LogSink, error) {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reporter dir: %w", err)
	}
	s := &LogSink{
		cfg:    cfg,
		logger: slog.Default().WithGroup("reporter"),
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Report appends the record and forwards it unless an identical text was
// forwarded within the dedup window.
func (s *LogSink) Report(ctx context.Context, msg tradewire.UnparsedMessage) error {
	now := s.now().UTC()
	norm := normText(msg.Text)
	sum := sha1.Sum([]byte(norm))
	contentSHA := hex.EncodeToString(sum[:])

	rec := Record{
		ID:           fmt.Sprintf("unp_%s_%s", now.Format("20060102_150405"), contentSHA[:4]),
		TsUTC:        now.Format(time.RFC3339),
		SourceMsgID:  msg.SourceMsgID,
		RawText:      msg.Text,
		Reason:       string(msg.Reason),
		SymbolGuess:  msg.SymbolGuess,
		SideGuess:    string(msg.SideGuess),
		GroupKey:     string(msg.GroupKey),
		ParserVer:    s.cfg.ParserVersion,
		ContentSHA1:  contentSHA,
		ForwardState: "PENDING",
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendLocked(now, rec); err != nil {
		return err
	}

	last, dup := s.seen[contentSHA]
	forward := !dup || now.Sub(last) >= s.cfg.DedupWindow
	s.seen[contentSHA] = now

	if forward && s.forwarder != nil && s.cfg.ReviewChatID != 0 {
		if err := s.forwarder.SendMessage(ctx, s.cfg.ReviewChatID, renderReview(rec)); err != nil {
			s.logger.Warn("forward to review failed", slog.String("error", err.Error()))
		} else {
			rec.ForwardState = "FORWARDED"
			if err := s.appendLocked(now, rec); err != nil {
				s.logger.Warn("could not record forward state", slog.String("error", err.Error()))
			}
		}
	}

	s.pruneLocked(now)
	return nil
}

func (s *LogSink) appendLocked(now time.Time, rec Record) error {
	path := filepath.Join(s.cfg.Dir, fmt.Sprintf("unparsed_%s.ndjson", now.Format("20060102")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open report file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("append report record: %w", err)
	}
	return nil
}

// pruneLocked drops expired dedup cache entries and daily files past
// retention. File removal failures are not fatal.
func (s *LogSink) pruneLocked(now time.Time) {
	for k, t := range s.seen {
		if now.Sub(t) >= s.cfg.DedupWindow {
			delete(s.seen, k)
		}
	}

	if s.cfg.KeepDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -s.cfg.KeepDays)
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "unparsed_") || !strings.HasSuffix(name, ".ndjson") {
			continue
		}
		tag := strings.TrimSuffix(strings.TrimPrefix(name, "unparsed_"), ".ndjson")
		day, perr := time.Parse("20060102", tag)
		if perr != nil {
			continue
		}
		if day.Before(cutoff) {
			if rerr := os.Remove(filepath.Join(s.cfg.Dir, name)); rerr != nil {
				s.logger.Debug("could not prune report file",
					slog.String("file", name), slog.String("error", rerr.Error()))
			}
		}
	}
}

func renderReview(rec Record) string {
	raw := rec.RawText
	if len(raw) > 400 {
		raw = raw[:400] + " [...]"
	}
	header := fmt.Sprintf("UNPARSED [%s]", rec.Reason)
	if rec.SymbolGuess != "" {
		header += fmt.Sprintf(" | %s?", rec.SymbolGuess)
	}
	return fmt.Sprintf("%s\nMsg: %s\nTime: %s\n\nText:\n%q\n\nContext:\nid=%s | parser=%s",
		header, rec.SourceMsgID, rec.TsUTC, raw, rec.ID, rec.ParserVer)
}

// normText lowercases and collapses whitespace so cosmetic edits dedup to
// the same key.
func normText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}
