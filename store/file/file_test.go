package file

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnaudit/audit"
	"github.com/hupe1980/turnaudit/internal/testutil"
	"github.com/hupe1980/turnaudit/store"
)

func TestFileName(t *testing.T) {
	ist := time.FixedZone("IST", 19800)
	// 02:00 IST on the 2nd is still the 1st in UTC.
	assert.Equal(t, "audit_2026-04-01.jsonl", FileName(time.Date(2026, 4, 2, 2, 0, 0, 0, ist)))
}

func TestNewWriter_RequiresDir(t *testing.T) {
	_, err := NewWriter("")
	assert.Error(t, err)
}

func TestWriter_CreatesDirAndAppends(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	clock := testutil.NewClock(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
	w, err := NewWriter(dir, func(o *Options) { o.Now = clock.Now })
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, testutil.NewRecordBuilder("s1").Interaction("i-1").Input("எனக்கு").Build()))
	require.NoError(t, w.Write(ctx, testutil.NewRecordBuilder("s1").Interaction("i-2").Build()))

	data, err := os.ReadFile(filepath.Join(dir, "audit_2026-04-01.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))
	assert.Contains(t, string(data), "எனக்கு")
}

func TestWriter_DayBoundary(t *testing.T) {
	dir := t.TempDir()
	clock := testutil.NewClock(time.Date(2026, 4, 1, 23, 59, 59, 0, time.UTC))
	w, err := NewWriter(dir, func(o *Options) { o.Now = clock.Now })
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, testutil.NewRecordBuilder("s1").Interaction("i-1").Build()))
	clock.Advance(2 * time.Second)
	require.NoError(t, w.Write(ctx, testutil.NewRecordBuilder("s1").Interaction("i-2").Build()))

	r := NewReader(dir, true)
	days, err := r.Days()
	require.NoError(t, err)
	require.Len(t, days, 2)

	first, err := r.ReadDay(ctx, days[0])
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "i-1", first[0].InteractionID)

	second, err := r.ReadDay(ctx, time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "i-2", second[0].InteractionID)
}

func TestWriter_ConcurrentWritesDoNotInterleave(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	w, err := NewWriter(dir, func(o *Options) { o.Now = func() time.Time { return now } })
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Write(context.Background(), testutil.NewRecordBuilder("s1").Input(string(bytes.Repeat([]byte("x"), 4096))).Build()))
		}()
	}
	wg.Wait()

	recs, err := NewReader(dir, true).ReadDay(context.Background(), now)
	require.NoError(t, err)
	assert.Len(t, recs, 20)
}

func TestWriter_Errors(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	assert.ErrorIs(t, w.Write(context.Background(), nil), store.ErrNilRecord)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Write(ctx, testutil.NewRecordBuilder("s1").Build()), context.Canceled)

	// A regular file where the directory should be makes the write fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	w, err = NewWriter(filepath.Join(blocker, "logs"))
	require.NoError(t, err)
	assert.Error(t, w.Write(context.Background(), testutil.NewRecordBuilder("s1").Build()))
}

func TestWriter_RecreatesRemovedDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	clock := testutil.NewClock(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
	w, err := NewWriter(dir, func(o *Options) { o.Now = clock.Now })
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, testutil.NewRecordBuilder("s1").Interaction("i-1").Build()))
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, w.Write(ctx, testutil.NewRecordBuilder("s1").Interaction("i-2").Build()))

	recs, err := NewReader(dir, true).ReadDay(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "i-2", recs[0].InteractionID)
}

func TestReader_OversizedLine(t *testing.T) {
	dir := t.TempDir()
	clock := testutil.NewClock(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
	w, err := NewWriter(dir, func(o *Options) { o.Now = clock.Now })
	require.NoError(t, err)
	ctx := context.Background()

	big := testutil.NewRecordBuilder("s1").Interaction("i-2").Tool("dump", `{}`).Build()
	output := strings.Repeat("x", 17<<20)
	big.ToolsCalled[0].ToolOutput = &output

	require.NoError(t, w.Write(ctx, testutil.NewRecordBuilder("s1").Interaction("i-1").Build()))
	require.NoError(t, w.Write(ctx, big))
	require.NoError(t, w.Write(ctx, testutil.NewRecordBuilder("s1").Interaction("i-3").Build()))

	r := NewReader(dir, true)
	recs, err := r.ReadDay(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.NotNil(t, recs[1].ToolsCalled[0].ToolOutput)
	assert.Len(t, *recs[1].ToolsCalled[0].ToolOutput, 17<<20)
	assert.Equal(t, "i-3", recs[2].InteractionID)

	sess, err := r.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, sess, 3)
}

func TestReader_LastLineWithoutNewline(t *testing.T) {
	dir := t.TempDir()
	line, err := audit.Encode(testutil.NewRecordBuilder("s1").Interaction("i-1").Build())
	require.NoError(t, err)
	path := filepath.Join(dir, "audit_2026-04-01.jsonl")
	require.NoError(t, os.WriteFile(path, append([]byte("\n"), bytes.TrimSpace(line)...), 0o644))

	recs, err := NewReader(dir, true).ReadDay(context.Background(), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "i-1", recs[0].InteractionID)
}

func TestReader_ScanAndSession(t *testing.T) {
	dir := t.TempDir()
	clock := testutil.NewClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	w, err := NewWriter(dir, func(o *Options) { o.Now = clock.Now })
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, testutil.NewRecordBuilder("a").Interaction("1").Build()))
	require.NoError(t, w.Write(ctx, testutil.NewRecordBuilder("b").Interaction("2").Build()))
	clock.Advance(24 * time.Hour)
	require.NoError(t, w.Write(ctx, testutil.NewRecordBuilder("a").Interaction("3").Build()))

	r := NewReader(dir, true)
	sess, err := r.Session(ctx, "a")
	require.NoError(t, err)
	require.Len(t, sess, 2)
	assert.Equal(t, "1", sess[0].InteractionID)
	assert.Equal(t, "3", sess[1].InteractionID)

	var seen []string
	require.NoError(t, r.Scan(ctx, func(rec *audit.Record) error {
		seen = append(seen, rec.InteractionID)
		if len(seen) == 2 {
			return ErrStop
		}
		return nil
	}))
	assert.Equal(t, []string{"1", "2"}, seen)
}

func TestReader_InvalidLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit_2026-04-01.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"interaction_id\":\"x\"}\n"), 0o644))

	_, err := NewReader(dir, true).ReadDay(context.Background(), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	var lineErr *LineError
	require.ErrorAs(t, err, &lineErr)
	assert.Equal(t, 1, lineErr.Line)
}

func TestReader_MissingDirAndDay(t *testing.T) {
	r := NewReader(filepath.Join(t.TempDir(), "absent"), false)
	days, err := r.Days()
	require.NoError(t, err)
	assert.Empty(t, days)

	recs, err := r.ReadDay(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestParseFileName(t *testing.T) {
	day, ok := parseFileName("audit_2026-04-01.jsonl")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), day)

	for _, name := range []string{"audit_2026-13-01.jsonl", "other.jsonl", "audit_2026-04-01.json"} {
		_, ok := parseFileName(name)
		assert.False(t, ok, name)
	}
}
