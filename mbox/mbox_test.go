package mbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mbox-drill/filter"
	"github.com/dhcgn/mbox-drill/model"
	"github.com/dhcgn/mbox-drill/parser"
	"github.com/dhcgn/mbox-drill/runner"
)

type fixture struct {
	from string
	date time.Time
	raw  string
}

var scenario = []fixture{
	{
		from: "a@example.com",
		date: time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC),
		raw: "From: a@example.com\n" +
			"Date: Wed, 01 Jan 2020 10:00:00 +0000\n" +
			"Subject: first\n" +
			"X-Gmail-Labels: Inbox\n" +
			"\n" +
			"Nothing to see here.\n",
	},
	{
		from: "b@example.org",
		date: time.Date(2020, 6, 1, 10, 0, 0, 0, time.UTC),
		raw: "From: \"Bee\" <b@example.org>\n" +
			"Date: Mon, 01 Jun 2020 10:00:00 +0000\n" +
			"Subject: second\n" +
			"X-Gmail-Labels: Inbox,Starred\n" +
			"\n" +
			"Greetings,\n" +
			"From the desk of Bee.\n",
	},
	{
		from: "a@example.com",
		date: time.Date(2021, 3, 1, 10, 0, 0, 0, time.UTC),
		raw: "From: a@example.com\n" +
			"Date: Mon, 01 Mar 2021 10:00:00 +0000\n" +
			"Subject: third\n" +
			"X-Gmail-Labels: Sent\n" +
			"\n" +
			"Sent from my archive.\n",
	},
	{
		from: "junk@example.net",
		date: time.Date(2021, 4, 1, 10, 0, 0, 0, time.UTC),
		raw:  "this is not a message at all\n",
	},
}

func buildArchive(t *testing.T, msgs []fixture) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := mboxlib.NewWriter(&buf)
	for _, m := range msgs {
		mw, err := w.CreateMessage(m.from, m.date)
		if err != nil {
			t.Fatalf("CreateMessage() error: %v", err)
		}
		if _, err := io.WriteString(mw, m.raw); err != nil {
			t.Fatalf("write message: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeArchive(t *testing.T, msgs []fixture) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "all.mbox")
	if err := os.WriteFile(path, buildArchive(t, msgs), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func collect(t *testing.T, reader Reader) []model.Envelope {
	t.Helper()
	out := make(chan model.Envelope, 10)
	done := make(chan error, 1)
	go func() {
		done <- reader.Stream(context.Background(), out)
		close(out)
	}()

	var envs []model.Envelope
	for env := range out {
		envs = append(envs, env)
	}
	if err := <-done; err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	return envs
}

func TestStream(t *testing.T) {
	reader, err := NewReader(Options{Path: writeArchive(t, scenario)}, nil)
	if err != nil {
		t.Fatalf("NewReader() error: %v", err)
	}
	envs := collect(t, reader)
	if len(envs) != 4 {
		t.Fatalf("got %d envelopes, want 4", len(envs))
	}

	for i, env := range envs[:3] {
		if env.Err != nil || env.Filtered {
			t.Errorf("envelope %d: err=%v filtered=%v", i, env.Err, env.Filtered)
		}
		if env.Index != i {
			t.Errorf("envelope %d index = %d", i, env.Index)
		}
	}
	if !errors.Is(envs[3].Err, parser.ErrMalformed) {
		t.Errorf("envelope 3 error = %v, want ErrMalformed", envs[3].Err)
	}

	second := envs[1].Message
	if second.SenderAddress != "b@example.org" || second.SenderDomain != "example.org" {
		t.Errorf("sender = %q / %q", second.SenderAddress, second.SenderDomain)
	}
	if strings.Join(second.Labels, ",") != "Inbox,Starred" {
		t.Errorf("labels = %v", second.Labels)
	}
	if envs[2].Message.Year != 2021 {
		t.Errorf("year = %d, want 2021", envs[2].Message.Year)
	}

	for i := 1; i < len(envs); i++ {
		if envs[i].End <= envs[i-1].End {
			t.Errorf("envelope %d ends at %d, before %d", i, envs[i].End, envs[i-1].End)
		}
		prev := envs[i-1].Message
		if envs[i].Err == nil && envs[i].Message.ArchiveOffset != prev.ArchiveOffset+prev.ArchiveLength {
			t.Errorf("envelope %d offset %d does not follow previous span", i, envs[i].Message.ArchiveOffset)
		}
	}
}

func TestStreamWithFilters(t *testing.T) {
	path := writeArchive(t, scenario[:3])

	tests := []struct {
		name         string
		opts         filter.Options
		wantFiltered []int
	}{
		{
			name: "no filters",
		},
		{
			name:         "include header filter",
			opts:         filter.Options{IncludeHeader: []string{`(?m)^Subject: second`}},
			wantFiltered: []int{0, 2},
		},
		{
			name:         "exclude body filter",
			opts:         filter.Options{ExcludeBody: []string{"Sent from"}},
			wantFiltered: []int{2},
		},
		{
			name:         "skip label",
			opts:         filter.Options{SkipLabels: []string{"starred"}},
			wantFiltered: []int{1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, err := NewReader(Options{Path: path, Filter: tt.opts}, nil)
			if err != nil {
				t.Fatalf("NewReader() error: %v", err)
			}
			var filtered []int
			for _, env := range collect(t, reader) {
				if env.Filtered {
					filtered = append(filtered, env.Index)
				}
			}
			if len(filtered) != len(tt.wantFiltered) {
				t.Fatalf("filtered = %v, want %v", filtered, tt.wantFiltered)
			}
			for i := range filtered {
				if filtered[i] != tt.wantFiltered[i] {
					t.Errorf("filtered = %v, want %v", filtered, tt.wantFiltered)
				}
			}
		})
	}
}

func TestNewReader_Errors(t *testing.T) {
	if _, err := NewReader(Options{Path: "  "}, nil); err == nil {
		t.Error("expected error for empty path")
	}
	_, err := NewReader(Options{Path: "x.mbox", Filter: filter.Options{
		IncludeHeader: []string{"a"},
		ExcludeBody:   []string{"b"},
	}}, nil)
	if !errors.Is(err, filter.ErrModeConflict) {
		t.Errorf("error = %v, want ErrModeConflict", err)
	}
}

func TestStream_MissingFile(t *testing.T) {
	reader, err := NewReader(Options{Path: filepath.Join(t.TempDir(), "missing.mbox")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := reader.Stream(context.Background(), make(chan model.Envelope, 1)); err == nil {
		t.Error("expected error for missing mbox")
	}
}

func TestStream_TooLargeIsNotFatal(t *testing.T) {
	big := fixture{
		from: "big@example.com",
		date: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		raw:  "From: big@example.com\nSubject: big\n\n" + strings.Repeat("0123456789\n", 100),
	}
	path := writeArchive(t, []fixture{big, scenario[0]})

	reader, err := NewReader(Options{Path: path, MaxMessageBytes: 512}, nil)
	if err != nil {
		t.Fatal(err)
	}
	envs := collect(t, reader)
	if len(envs) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(envs))
	}
	if !errors.Is(envs[0].Err, ErrMessageTooLarge) {
		t.Errorf("envelope 0 error = %v, want ErrMessageTooLarge", envs[0].Err)
	}
	if envs[1].Err != nil || envs[1].Message.SenderAddress != "a@example.com" {
		t.Errorf("envelope 1 = %+v", envs[1])
	}
}

func TestStream_LineTooLongIsNotFatal(t *testing.T) {
	long := fixture{
		from: "long@example.com",
		date: time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC),
		raw:  "From: long@example.com\nSubject: long\n\n" + strings.Repeat("x", maxLineBytes+1024) + "\n",
	}
	archive := buildArchive(t, []fixture{scenario[0], long, scenario[2]})

	reader, err := NewReader(Options{Path: "archive.mbox"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	out := make(chan model.Envelope, 10)
	if err := reader.(*fileReader).stream(context.Background(), bytes.NewReader(archive), out); err != nil {
		t.Fatalf("stream() error: %v", err)
	}
	close(out)

	var envs []model.Envelope
	for env := range out {
		envs = append(envs, env)
	}
	if len(envs) != 3 {
		t.Fatalf("got %d envelopes, want 3", len(envs))
	}
	if !errors.Is(envs[1].Err, ErrLineTooLong) {
		t.Errorf("envelope 1 error = %v, want ErrLineTooLong", envs[1].Err)
	}
	if envs[2].Err != nil || envs[2].Message.Subject != "third" {
		t.Errorf("envelope 2 = %+v", envs[2])
	}
	if envs[2].End != int64(len(archive)) {
		t.Errorf("last envelope ends at %d, want %d", envs[2].End, len(archive))
	}
}

func TestProducer(t *testing.T) {
	r := runner.New(context.Background(), discardLogger())
	if _, err := NewProducer(Options{Path: writeArchive(t, scenario)}, r, nil); err != nil {
		t.Fatalf("NewProducer() error: %v", err)
	}

	got := make(chan int, 1)
	r.AddStage("count", func(ctx context.Context) error {
		n := 0
		for range r.Envelopes() {
			n++
		}
		got <- n
		return nil
	})
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if n := <-got; n != len(scenario) {
		t.Errorf("consumed %d envelopes, want %d", n, len(scenario))
	}
}

func TestExport(t *testing.T) {
	archive := buildArchive(t, scenario[:3])
	reader := &fileReader{path: "fixture", unescapeFrom: true}

	out := make(chan model.Envelope, 10)
	if err := reader.stream(context.Background(), bytes.NewReader(archive), out); err != nil {
		t.Fatal(err)
	}
	close(out)
	var spans []Span
	for env := range out {
		if env.Message.SenderDomain == "example.com" {
			spans = append(spans, Span{Offset: env.Message.ArchiveOffset, Length: env.Message.ArchiveLength})
		}
	}
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}

	var exported bytes.Buffer
	n, err := Export(context.Background(), bytes.NewReader(archive), spans, &exported)
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Export() wrote %d messages, want 2", n)
	}

	frames := readAll(t, NewFramer(bytes.NewReader(exported.Bytes())))
	if len(frames) != 2 {
		t.Fatalf("exported archive has %d messages, want 2", len(frames))
	}
	if !strings.Contains(string(frames[0].Raw), "Subject: first") || !strings.Contains(string(frames[1].Raw), "Subject: third") {
		t.Errorf("unexpected exported messages: %q / %q", frames[0].Raw, frames[1].Raw)
	}
	if frames[0].EnvelopeSender != "a@example.com" {
		t.Errorf("envelope sender = %q", frames[0].EnvelopeSender)
	}
}

func TestExport_KeepsFromQuoting(t *testing.T) {
	body := "Subject: quoted\n\n>>From x\n>From y\nplain\n"
	archive := []byte(sepA + "\n" + body)

	var exported bytes.Buffer
	n, err := Export(context.Background(), bytes.NewReader(archive), []Span{{Offset: 0, Length: int64(len(archive))}}, &exported)
	if err != nil || n != 1 {
		t.Fatalf("Export() = %d, %v", n, err)
	}
	if !strings.Contains(exported.String(), "\n>>From x\n>From y\n") {
		t.Errorf("exported archive lost quoting: %q", exported.String())
	}

	frames := readAll(t, NewFramer(bytes.NewReader(exported.Bytes())))
	if len(frames) != 1 {
		t.Fatalf("exported archive has %d messages, want 1", len(frames))
	}
	if got := string(frames[0].Raw); !strings.HasPrefix(got, "Subject: quoted\n\n>From x\nFrom y\nplain\n") {
		t.Errorf("re-read raw = %q", got)
	}
}

func TestSize(t *testing.T) {
	path := writeArchive(t, scenario)
	n, err := Size(path)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Error("Size() = 0")
	}
	if _, err := Size(t.TempDir()); err == nil {
		t.Error("expected error for directory")
	}
}
