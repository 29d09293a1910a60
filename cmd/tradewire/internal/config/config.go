package config

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	twlog "github.com/tradewire/tradewire/log"
)

type AppConfig struct {
	TelegramToken string
	TelegramChats []int64
	ReviewChatID  int64

	StoragePath string
	RulesPath   string
	ReportDir   string
	ActionsDir  string

	HTTPListen   string
	PublicOrigin string

	LegsCount       int
	LegVolume       float64
	DefaultSymbol   string
	RequireSymbol   bool
	MinTextLen      int
	BreakEvenOffset float64
	IgnoreGate      bool

	EmitWorkers   int
	ReportWorkers int
	SendRateLimit int

	DedupWindow time.Duration
	KeepDays    int

	LogLevel      string
	LogFormatJSON bool
	LogGroups     []string
	LogToDB       bool
}

func DefaultConfig() AppConfig {
	return AppConfig{
		StoragePath:   "db.sqlite3",
		RulesPath:     "rules.yaml",
		ReportDir:     "runtime/unparsed",
		ActionsDir:    "runtime/actions",
		HTTPListen:    ":8080",
		LegsCount:     5,
		LegVolume:     0.01,
		DefaultSymbol: "XAUUSD",
		MinTextLen:    8,
		IgnoreGate:    true,
		EmitWorkers:   2,
		ReportWorkers: 1,
		SendRateLimit: 18,
		DedupWindow:   5 * time.Minute,
		KeepDays:      30,
		LogLevel:      "info",
		LogFormatJSON: false,
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("tradewire", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.TelegramToken, "telegram-token", cfg.TelegramToken, "Telegram bot token (env: TRADEWIRE_TELEGRAM_TOKEN)")
	fs.Int64SliceVar(&cfg.TelegramChats, "telegram-chats", cfg.TelegramChats, "Chat ids to consume; empty means all (env: TRADEWIRE_TELEGRAM_CHATS)")
	fs.Int64Var(&cfg.ReviewChatID, "review-chat-id", cfg.ReviewChatID, "Chat id receiving unparsed message forwards (env: TRADEWIRE_REVIEW_CHAT_ID)")

	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "Sqlite registry path (env: TRADEWIRE_STORAGE_PATH)")
	fs.StringVar(&cfg.RulesPath, "rules-path", cfg.RulesPath, "Rule dictionary YAML path (env: TRADEWIRE_RULES_PATH)")
	fs.StringVar(&cfg.ReportDir, "report-dir", cfg.ReportDir, "Directory for unparsed NDJSON reports (env: TRADEWIRE_REPORT_DIR)")
	fs.StringVar(&cfg.ActionsDir, "actions-dir", cfg.ActionsDir, "Directory the action files are dropped into (env: TRADEWIRE_ACTIONS_DIR)")

	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "HTTP listen address (env: TRADEWIRE_HTTP_LISTEN)")
	fs.StringVar(&cfg.PublicOrigin, "public-origin", cfg.PublicOrigin, "Public origin allowed by CORS (env: TRADEWIRE_PUBLIC_ORIGIN)")

	fs.IntVar(&cfg.LegsCount, "legs", cfg.LegsCount, "Requested leg count for signals without entries (env: TRADEWIRE_LEGS)")
	fs.Float64Var(&cfg.LegVolume, "leg-volume", cfg.LegVolume, "Volume per leg in lots (env: TRADEWIRE_LEG_VOLUME)")
	fs.StringVar(&cfg.DefaultSymbol, "default-symbol", cfg.DefaultSymbol, "Symbol assumed when none is named (env: TRADEWIRE_DEFAULT_SYMBOL)")
	fs.BoolVar(&cfg.RequireSymbol, "require-symbol", cfg.RequireSymbol, "Reject signals without an explicit symbol (env: TRADEWIRE_REQUIRE_SYMBOL)")
	fs.IntVar(&cfg.MinTextLen, "min-text-len", cfg.MinTextLen, "Minimum message length considered a signal (env: TRADEWIRE_MIN_TEXT_LEN)")
	fs.Float64Var(&cfg.BreakEvenOffset, "break-even-offset", cfg.BreakEvenOffset, "Price offset applied to break-even stops (env: TRADEWIRE_BREAK_EVEN_OFFSET)")
	fs.BoolVar(&cfg.IgnoreGate, "ignore-gate", cfg.IgnoreGate, "Honor the dictionary's ignore phrases (env: TRADEWIRE_IGNORE_GATE)")

	fs.IntVar(&cfg.EmitWorkers, "emit-workers", cfg.EmitWorkers, "Number of action delivery workers (env: TRADEWIRE_EMIT_WORKERS)")
	fs.IntVar(&cfg.ReportWorkers, "report-workers", cfg.ReportWorkers, "Number of report delivery workers (env: TRADEWIRE_REPORT_WORKERS)")
	fs.IntVar(&cfg.SendRateLimit, "send-rate-limit", cfg.SendRateLimit, "Outbound Telegram messages per minute, 0 disables (env: TRADEWIRE_SEND_RATE_LIMIT)")

	fs.DurationVar(&cfg.DedupWindow, "dedup-window", cfg.DedupWindow, "Window suppressing repeat unparsed forwards (env: TRADEWIRE_DEDUP_WINDOW)")
	fs.IntVar(&cfg.KeepDays, "keep-days", cfg.KeepDays, "Days of unparsed reports to retain (env: TRADEWIRE_KEEP_DAYS)")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: TRADEWIRE_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogFormatJSON, "log-json", cfg.LogFormatJSON, "Emit logs as JSON (env: TRADEWIRE_LOG_JSON)")
	fs.StringSliceVar(&cfg.LogGroups, "log-groups", cfg.LogGroups, "Only emit logs from these slog groups (env: TRADEWIRE_LOG_GROUPS)")
	fs.BoolVar(&cfg.LogToDB, "log-db", cfg.LogToDB, "Mirror logs into the sqlite registry (env: TRADEWIRE_LOG_DB)")

	return fs
}

// ApplyEnvDefaults inspects flags that were left unset and pulls from env.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) error {
	flagSet := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { flagSet[f.Name] = struct{}{} })

	setString := func(name, envKey string, target *string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			*target = v
		}
	}
	setInt := func(name, envKey string, target *int) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*target = parsed
			}
		}
	}
	setInt64 := func(name, envKey string, target *int64) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				*target = parsed
			}
		}
	}
	setFloat := func(name, envKey string, target *float64) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				*target = parsed
			}
		}
	}
	setBool := func(name, envKey string, target *bool) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*target = parsed
			}
		}
	}
	setDuration := func(name, envKey string, target *time.Duration) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := time.ParseDuration(v); err == nil {
				*target = parsed
			}
		}
	}

	setString("telegram-token", "TRADEWIRE_TELEGRAM_TOKEN", &cfg.TelegramToken)
	setInt64("review-chat-id", "TRADEWIRE_REVIEW_CHAT_ID", &cfg.ReviewChatID)

	if _, ok := flagSet["telegram-chats"]; !ok {
		if v, found := os.LookupEnv("TRADEWIRE_TELEGRAM_CHATS"); found && v != "" {
			chats, err := parseChatList(v)
			if err != nil {
				return fmt.Errorf("parsing TRADEWIRE_TELEGRAM_CHATS: %w", err)
			}
			cfg.TelegramChats = chats
		}
	}

	setString("storage-path", "TRADEWIRE_STORAGE_PATH", &cfg.StoragePath)
	setString("rules-path", "TRADEWIRE_RULES_PATH", &cfg.RulesPath)
	setString("report-dir", "TRADEWIRE_REPORT_DIR", &cfg.ReportDir)
	setString("actions-dir", "TRADEWIRE_ACTIONS_DIR", &cfg.ActionsDir)

	setString("http-listen", "TRADEWIRE_HTTP_LISTEN", &cfg.HTTPListen)
	setString("public-origin", "TRADEWIRE_PUBLIC_ORIGIN", &cfg.PublicOrigin)

	setInt("legs", "TRADEWIRE_LEGS", &cfg.LegsCount)
	setFloat("leg-volume", "TRADEWIRE_LEG_VOLUME", &cfg.LegVolume)
	setString("default-symbol", "TRADEWIRE_DEFAULT_SYMBOL", &cfg.DefaultSymbol)
	setBool("require-symbol", "TRADEWIRE_REQUIRE_SYMBOL", &cfg.RequireSymbol)
	setInt("min-text-len", "TRADEWIRE_MIN_TEXT_LEN", &cfg.MinTextLen)
	setFloat("break-even-offset", "TRADEWIRE_BREAK_EVEN_OFFSET", &cfg.BreakEvenOffset)
	setBool("ignore-gate", "TRADEWIRE_IGNORE_GATE", &cfg.IgnoreGate)

	setInt("emit-workers", "TRADEWIRE_EMIT_WORKERS", &cfg.EmitWorkers)
	setInt("report-workers", "TRADEWIRE_REPORT_WORKERS", &cfg.ReportWorkers)
	setInt("send-rate-limit", "TRADEWIRE_SEND_RATE_LIMIT", &cfg.SendRateLimit)

	setDuration("dedup-window", "TRADEWIRE_DEDUP_WINDOW", &cfg.DedupWindow)
	setInt("keep-days", "TRADEWIRE_KEEP_DAYS", &cfg.KeepDays)

	setString("log-level", "TRADEWIRE_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "TRADEWIRE_LOG_JSON", &cfg.LogFormatJSON)
	setBool("log-db", "TRADEWIRE_LOG_DB", &cfg.LogToDB)

	if _, ok := flagSet["log-groups"]; !ok {
		if v, found := os.LookupEnv("TRADEWIRE_LOG_GROUPS"); found && v != "" {
			cfg.LogGroups = strings.Split(v, ",")
		}
	}

	return nil
}

func parseChatList(v string) ([]int64, error) {
	parts := strings.Split(v, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q", p)
		}
		out = append(out, id)
	}
	return out, nil
}

func ValidateConfig(cfg AppConfig) error {
	var missing []string
	if cfg.TelegramToken == "" {
		missing = append(missing, "telegram-token")
	}
	if cfg.StoragePath == "" {
		missing = append(missing, "storage-path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if cfg.LegsCount < 1 {
		return fmt.Errorf("legs must be at least 1")
	}
	if cfg.LegVolume <= 0 {
		return fmt.Errorf("leg-volume must be positive")
	}
	return nil
}

func GetLogHandler(cfg AppConfig) slog.Handler {
	var level slog.Level
	if cfg.LogLevel == "" {
		level = slog.LevelInfo
	} else if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
		log.Printf("unknown log level %q, defaulting to info", cfg.LogLevel)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	return twlog.NewGroupFilter(handler, cfg.LogGroups)
}
