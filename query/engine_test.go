package query

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-drill/index"
	"github.com/dhcgn/mbox-drill/model"
)

func msg(sender string, year int, size int64, labels ...string) model.Message {
	m := model.Message{
		SenderAddress: sender,
		SenderKey:     strings.ToLower(sender),
		SenderDomain:  domainOf(sender),
		Subject:       "subject from " + sender,
		Size:          size,
		RawSize:       size,
		Year:          year,
		Labels:        labels,
	}
	if year != model.UnknownYear {
		m.SentAt = time.Date(year, 6, 1, 12, 0, 0, 0, time.UTC)
		m.RawDate = m.SentAt.Format(time.RFC1123Z)
	}
	return m
}

func domainOf(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return model.UnknownDomain
	}
	return strings.ToLower(addr[at+1:])
}

func buildIndex(t *testing.T, msgs ...model.Message) *Engine {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	w, err := index.Create(ctx, path, index.Options{BatchSize: 2})
	require.NoError(t, err)
	_, err = w.StartRun(ctx, "fixture.mbox")
	require.NoError(t, err)
	for _, m := range msgs {
		_, err := w.Write(ctx, m)
		require.NoError(t, err)
	}
	require.NoError(t, w.FinishRun(ctx, index.RunCompleted, index.Counts{Scanned: int64(len(msgs)), Indexed: int64(len(msgs))}))
	require.NoError(t, w.Close())

	e, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func scenario(t *testing.T) *Engine {
	return buildIndex(t,
		msg("a@example.com", 2020, 100, "Inbox"),
		msg("b@example.org", 2020, 200, "Inbox", "Starred"),
		msg("a@example.com", 2021, 300, "Sent"),
	)
}

func keys(rows []Row) map[string]int64 {
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Count
	}
	return out
}

func TestBreakout_Scenario(t *testing.T) {
	ctx := context.Background()
	e := scenario(t)

	rows, err := e.Breakout(ctx, Label, Filter{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []Row{
		{Key: "Inbox", Display: "Inbox", Count: 2, Size: 300},
		{Key: "Sent", Display: "Sent", Count: 1, Size: 300},
		{Key: "Starred", Display: "Starred", Count: 1, Size: 200},
	}, rows)

	rows, err = e.Breakout(ctx, Domain, Filter{Label: "Inbox"}, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"example.com": 1, "example.org": 1}, keys(rows))

	rows, err = e.Breakout(ctx, Year, Filter{Sender: "a@example.com"}, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"2020": 1, "2021": 1}, keys(rows))
}

func TestBreakout_IgnoresOwnFilter(t *testing.T) {
	e := scenario(t)

	rows, err := e.Breakout(context.Background(), Label, Filter{Label: "Starred"}, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestBreakout_LabelSums(t *testing.T) {
	ctx := context.Background()
	e := buildIndex(t,
		msg("a@example.com", 2019, 10, "Inbox", "Important"),
		msg("b@example.com", 2020, 10, "Inbox"),
		msg("c@example.org", model.UnknownYear, 10),
		msg("d@example.org", 2020, 10, "Sent", "Inbox"),
	)

	totals, err := e.Totals(ctx, Filter{})
	require.NoError(t, err)

	byLabel, err := e.Breakout(ctx, Label, Filter{}, 0)
	require.NoError(t, err)
	var sum int64
	for _, r := range byLabel {
		sum += r.Count
	}
	assert.GreaterOrEqual(t, sum, totals.Messages)

	for _, r := range byLabel {
		byYear, err := e.Breakout(ctx, Year, Filter{Label: r.Key}, 0)
		require.NoError(t, err)
		var yearSum int64
		for _, y := range byYear {
			yearSum += y.Count
		}
		assert.Equal(t, r.Count, yearSum, "label %s", r.Key)
	}
}

func TestBreakout_OrderAndLimit(t *testing.T) {
	e := buildIndex(t,
		msg("z@zeta.com", 2020, 1, "Inbox"),
		msg("a@alpha.com", 2020, 1, "Inbox"),
		msg("m@mid.com", 2020, 1, "Inbox"),
		msg("m2@mid.com", 2020, 1, "Inbox"),
	)

	rows, err := e.Breakout(context.Background(), Domain, Filter{}, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "mid.com", rows[0].Key)
	assert.Equal(t, "alpha.com", rows[1].Key)
}

func TestBreakout_SenderGroupsCaseInsensitively(t *testing.T) {
	ctx := context.Background()
	e := buildIndex(t,
		msg("Alice@Example.com", 2020, 1, "Inbox"),
		msg("alice@example.com", 2021, 1, "Inbox"),
	)

	rows, err := e.Breakout(ctx, Sender, Filter{}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice@example.com", rows[0].Key)
	assert.Equal(t, "Alice@Example.com", rows[0].Display)
	assert.EqualValues(t, 2, rows[0].Count)

	rows, err = e.Breakout(ctx, Year, Filter{Sender: "ALICE@example.com"}, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestBreakout_UnknownYearAndUnmatchedFilters(t *testing.T) {
	ctx := context.Background()
	e := buildIndex(t,
		msg("a@example.com", model.UnknownYear, 5),
		msg("b@example.com", 2022, 5, "Inbox"),
	)

	rows, err := e.Breakout(ctx, Year, Filter{}, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"unknown": 1, "2022": 1}, keys(rows))

	rows, err = e.Breakout(ctx, Label, Filter{Year: "unknown"}, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{model.UnlabeledLabel: 1}, keys(rows))

	for _, f := range []Filter{{Year: "not-a-year"}, {Label: "Nope"}, {Domain: "nowhere.test"}} {
		rows, err := e.Breakout(ctx, Sender, f, 0)
		require.NoError(t, err)
		assert.Empty(t, rows, "filter %+v", f)
	}
}

func TestBreakout_UnknownDimension(t *testing.T) {
	e := scenario(t)
	_, err := e.Breakout(context.Background(), Dimension("color"), Filter{}, 0)
	assert.ErrorIs(t, err, ErrUnknownDimension)
}

func TestTotalsAndLargest(t *testing.T) {
	ctx := context.Background()
	e := scenario(t)

	totals, err := e.Totals(ctx, Filter{Label: "Inbox"})
	require.NoError(t, err)
	assert.Equal(t, Totals{Messages: 2, Size: 300}, totals)

	largest, err := e.LargestMessages(ctx, Filter{}, 2)
	require.NoError(t, err)
	require.Len(t, largest, 2)
	assert.EqualValues(t, 300, largest[0].Size)
	assert.EqualValues(t, 200, largest[1].Size)
	assert.Equal(t, "b@example.org", largest[1].Sender)
}

func TestLabelsRunsAndSpans(t *testing.T) {
	ctx := context.Background()
	e := scenario(t)

	labels, err := e.Labels(ctx)
	require.NoError(t, err)
	require.Len(t, labels, 3)
	assert.Equal(t, "Inbox", labels[0].Name)
	for _, l := range labels {
		if l.Name == "Sent" {
			assert.Equal(t, `\Sent`, l.Role)
		}
	}

	runs, err := e.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, index.RunCompleted, runs[0].Status)
	assert.EqualValues(t, 3, runs[0].Indexed)
	assert.False(t, runs[0].FinishedAt.IsZero())

	spans, err := e.Spans(ctx, Filter{Sender: "a@example.com"})
	require.NoError(t, err)
	assert.Len(t, spans, 2)
}

func TestIdempotentIngestion(t *testing.T) {
	ctx := context.Background()
	msgs := []model.Message{
		msg("a@example.com", 2020, 100, "Inbox"),
		msg("b@example.org", 2020, 200, "Inbox", "Starred"),
		msg("a@example.com", 2021, 300, "Sent"),
	}
	first := buildIndex(t, msgs...)
	second := buildIndex(t, msgs...)

	for _, dim := range Dimensions {
		a, err := first.Breakout(ctx, dim, Filter{}, 0)
		require.NoError(t, err)
		b, err := second.Breakout(ctx, dim, Filter{}, 0)
		require.NoError(t, err)
		assert.Equal(t, a, b, "dimension %s", dim)
	}
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	_, err := Open(ctx, filepath.Join(dir, "missing.db"))
	assert.Error(t, err)

	junk := filepath.Join(dir, "junk.db")
	require.NoError(t, os.WriteFile(junk, []byte(strings.Repeat("definitely not sqlite\n", 200)), 0o600))
	_, err = Open(ctx, junk)
	assert.ErrorIs(t, err, ErrNotIndexed)
}

func TestParseDimension(t *testing.T) {
	for in, want := range map[string]Dimension{"label": Label, "Year": Year, "domain": Domain, "sender": Sender, "address": Sender} {
		got, err := ParseDimension(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDimension("subject")
	assert.ErrorIs(t, err, ErrUnknownDimension)
}

func TestFilterValues(t *testing.T) {
	f := FilterFromValues(map[string][]string{"label": {"Inbox"}, "address": {"a@example.com"}})
	assert.Equal(t, Filter{Label: "Inbox", Sender: "a@example.com"}, f)
	assert.Equal(t, []Dimension{Label, Sender}, f.Pinned())
	assert.Equal(t, "label=Inbox&sender=a%40example.com", f.Values().Encode())
	assert.Equal(t, Filter{Label: "Inbox"}, f.Without(Sender))
}
