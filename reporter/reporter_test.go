package reporter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tradewire/tradewire/tradewire"
)

type fakeForwarder struct {
	sent []string
	err  error
}

func (f *fakeForwarder) SendMessage(_ context.Context, _ int64, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func unparsed(text string) tradewire.UnparsedMessage {
	return tradewire.UnparsedMessage{
		SourceMsgID: "42",
		Text:        text,
		Reason:      tradewire.ReasonNoMatch,
		SymbolGuess: "XAUUSD",
	}
}

func readRecords(t *testing.T, dir string, day time.Time) []Record {
	t.Helper()
	path := filepath.Join(dir, "unparsed_"+day.Format("20060102")+".ndjson")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestReportWritesRecord(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 8, 12, 15, 4, 31, 0, time.UTC)

	s, err := NewLogSink(Config{Dir: dir, ParserVersion: "v1"}, WithClock(fixedClock(at)))
	require.NoError(t, err)

	require.NoError(t, s.Report(context.Background(), unparsed("good morning")))

	recs := readRecords(t, dir, at)
	require.Len(t, recs, 1)

	rec := recs[0]
	require.Equal(t, "42", rec.SourceMsgID)
	require.Equal(t, "good morning", rec.RawText)
	require.Equal(t, string(tradewire.ReasonNoMatch), rec.Reason)
	require.Equal(t, "XAUUSD", rec.SymbolGuess)
	require.Equal(t, "v1", rec.ParserVer)
	require.Equal(t, "PENDING", rec.ForwardState)
	require.Regexp(t, `^unp_20260812_150431_[0-9a-f]{4}$`, rec.ID)
	require.Len(t, rec.ContentSHA1, 40)
}

func TestReportForwardsOnce(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 8, 12, 15, 0, 0, 0, time.UTC)
	fwd := &fakeForwarder{}

	clock := at
	s, err := NewLogSink(
		Config{Dir: dir, ReviewChatID: -100500, DedupWindow: 5 * time.Minute},
		WithForwarder(fwd),
		WithClock(func() time.Time { return clock }),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Report(ctx, unparsed("signal soon")))
	require.Len(t, fwd.sent, 1)
	require.Contains(t, fwd.sent[0], "UNPARSED [NO_MATCH]")
	require.Contains(t, fwd.sent[0], "XAUUSD?")

	// Same text again inside the window: record written, forward suppressed.
	clock = at.Add(time.Minute)
	require.NoError(t, s.Report(ctx, unparsed("Signal   SOON")))
	require.Len(t, fwd.sent, 1, "cosmetic variants dedup to the same key")

	// Past the window it forwards again.
	clock = at.Add(10 * time.Minute)
	require.NoError(t, s.Report(ctx, unparsed("signal soon")))
	require.Len(t, fwd.sent, 2)
}

func TestReportMarksForwardState(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 8, 12, 15, 0, 0, 0, time.UTC)
	fwd := &fakeForwarder{}

	s, err := NewLogSink(Config{Dir: dir, ReviewChatID: -100500},
		WithForwarder(fwd), WithClock(fixedClock(at)))
	require.NoError(t, err)

	require.NoError(t, s.Report(context.Background(), unparsed("signal soon")))

	recs := readRecords(t, dir, at)
	require.Len(t, recs, 2, "forwarded messages append a second line")
	require.Equal(t, "PENDING", recs[0].ForwardState)
	require.Equal(t, "FORWARDED", recs[1].ForwardState)
}

func TestReportForwardFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 8, 12, 15, 0, 0, 0, time.UTC)
	fwd := &fakeForwarder{err: errors.New("telegram down")}

	s, err := NewLogSink(Config{Dir: dir, ReviewChatID: -100500},
		WithForwarder(fwd), WithClock(fixedClock(at)))
	require.NoError(t, err)

	require.NoError(t, s.Report(context.Background(), unparsed("signal soon")))

	recs := readRecords(t, dir, at)
	require.Len(t, recs, 1)
	require.Equal(t, "PENDING", recs[0].ForwardState)
}

func TestReportWithoutForwarderWritesOnly(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 8, 12, 15, 0, 0, 0, time.UTC)

	s, err := NewLogSink(Config{Dir: dir, ReviewChatID: -100500}, WithClock(fixedClock(at)))
	require.NoError(t, err)

	require.NoError(t, s.Report(context.Background(), unparsed("signal soon")))
	require.Len(t, readRecords(t, dir, at), 1)
}

func TestPruneRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 8, 12, 15, 0, 0, 0, time.UTC)

	old := filepath.Join(dir, "unparsed_20260601.ndjson")
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0o644))
	keep := filepath.Join(dir, "unparsed_20260810.ndjson")
	require.NoError(t, os.WriteFile(keep, []byte("{}\n"), 0o644))
	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

	s, err := NewLogSink(Config{Dir: dir, KeepDays: 30}, WithClock(fixedClock(at)))
	require.NoError(t, err)
	require.NoError(t, s.Report(context.Background(), unparsed("hello")))

	_, err = os.Stat(old)
	require.True(t, os.IsNotExist(err), "file past retention is removed")
	_, err = os.Stat(keep)
	require.NoError(t, err)
	_, err = os.Stat(other)
	require.NoError(t, err, "unrelated files are left alone")
}

func TestRenderReviewTruncates(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'a'
	}
	out := renderReview(Record{RawText: string(long), Reason: "NO_MATCH"})
	require.Contains(t, out, "[...]")
	require.Less(t, len(out), 600)
}

func TestNormText(t *testing.T) {
	require.Equal(t, "buy gold now", normText("  BUY   Gold\n\nNOW "))
	require.Equal(t, "", normText("   "))
}
