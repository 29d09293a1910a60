package config

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideDefaults(t *testing.T) {
	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)

	err := fs.Parse([]string{
		"--telegram-token", "tok",
		"--telegram-chats", "-1001,42",
		"--legs", "8",
		"--leg-volume", "0.05",
		"--log-db",
	})
	require.NoError(t, err)

	require.Equal(t, "tok", cfg.TelegramToken)
	require.Empty(t, cmp.Diff([]int64{-1001, 42}, cfg.TelegramChats))
	require.Equal(t, 8, cfg.LegsCount)
	require.Equal(t, 0.05, cfg.LegVolume)
	require.True(t, cfg.LogToDB)
}

func TestEnvFillsUnsetFlags(t *testing.T) {
	t.Setenv("TRADEWIRE_TELEGRAM_TOKEN", "env-tok")
	t.Setenv("TRADEWIRE_TELEGRAM_CHATS", "-1001, 42")
	t.Setenv("TRADEWIRE_REVIEW_CHAT_ID", "-2002")
	t.Setenv("TRADEWIRE_LEGS", "9")
	t.Setenv("TRADEWIRE_LEG_VOLUME", "0.10")
	t.Setenv("TRADEWIRE_REQUIRE_SYMBOL", "true")
	t.Setenv("TRADEWIRE_DEDUP_WINDOW", "2m")
	t.Setenv("TRADEWIRE_SEND_RATE_LIMIT", "6")
	t.Setenv("TRADEWIRE_LOG_GROUPS", "engine,feed")
	t.Setenv("TRADEWIRE_LOG_DB", "1")

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse(nil))
	require.NoError(t, ApplyEnvDefaults(fs, &cfg))

	require.Equal(t, "env-tok", cfg.TelegramToken)
	require.Empty(t, cmp.Diff([]int64{-1001, 42}, cfg.TelegramChats))
	require.Equal(t, int64(-2002), cfg.ReviewChatID)
	require.Equal(t, 9, cfg.LegsCount)
	require.Equal(t, 0.10, cfg.LegVolume)
	require.True(t, cfg.RequireSymbol)
	require.Equal(t, 2*time.Minute, cfg.DedupWindow)
	require.Equal(t, 6, cfg.SendRateLimit)
	require.Empty(t, cmp.Diff([]string{"engine", "feed"}, cfg.LogGroups))
	require.True(t, cfg.LogToDB)
}

func TestFlagWinsOverEnv(t *testing.T) {
	t.Setenv("TRADEWIRE_LEGS", "9")
	t.Setenv("TRADEWIRE_TELEGRAM_CHATS", "7")

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse([]string{"--legs", "8", "--telegram-chats", "1"}))
	require.NoError(t, ApplyEnvDefaults(fs, &cfg))

	require.Equal(t, 8, cfg.LegsCount)
	require.Empty(t, cmp.Diff([]int64{1}, cfg.TelegramChats))
}

func TestEnvBadChatListIsAnError(t *testing.T) {
	t.Setenv("TRADEWIRE_TELEGRAM_CHATS", "abc")

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse(nil))

	err := ApplyEnvDefaults(fs, &cfg)
	require.ErrorContains(t, err, "TRADEWIRE_TELEGRAM_CHATS")
}

func TestEnvBadIntIsIgnored(t *testing.T) {
	t.Setenv("TRADEWIRE_LEGS", "lots")

	cfg := DefaultConfig()
	fs := NewConfigFlagSet(&cfg)
	require.NoError(t, fs.Parse(nil))
	require.NoError(t, ApplyEnvDefaults(fs, &cfg))

	require.Equal(t, DefaultConfig().LegsCount, cfg.LegsCount)
}

func TestParseChatList(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []int64
		wantErr bool
	}{
		{name: "plain", in: "1,2", want: []int64{1, 2}},
		{name: "spaces and blanks", in: " -1001 , ,42", want: []int64{-1001, 42}},
		{name: "not a number", in: "1,x", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseChatList(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Empty(t, cmp.Diff(tc.want, got))
		})
	}
}

func TestValidateConfig(t *testing.T) {
	valid := DefaultConfig()
	valid.TelegramToken = "tok"

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, ValidateConfig(valid))
	})

	t.Run("missing token and storage", func(t *testing.T) {
		cfg := valid
		cfg.TelegramToken = ""
		cfg.StoragePath = ""
		err := ValidateConfig(cfg)
		require.ErrorContains(t, err, "telegram-token")
		require.ErrorContains(t, err, "storage-path")
	})

	t.Run("zero legs", func(t *testing.T) {
		cfg := valid
		cfg.LegsCount = 0
		require.ErrorContains(t, ValidateConfig(cfg), "legs")
	})

	t.Run("zero volume", func(t *testing.T) {
		cfg := valid
		cfg.LegVolume = 0
		require.ErrorContains(t, ValidateConfig(cfg), "leg-volume")
	})
}

func TestGetLogHandlerHonoursLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "error"

	h := GetLogHandler(cfg)
	require.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	require.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestGetLogHandlerBadLevelDefaultsToInfo(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "shouty"

	h := GetLogHandler(cfg)
	require.True(t, h.Enabled(context.Background(), slog.LevelInfo))
	require.False(t, h.Enabled(context.Background(), slog.LevelDebug))
}
