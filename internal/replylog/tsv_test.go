package replylog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOpenTSV_WritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.tsv")
	f, err := OpenTSV(path)
	if err != nil {
		t.Fatalf("OpenTSV: %v", err)
	}
	f.Close()

	// Reopening an existing file must not write a second header.
	f, err = OpenTSV(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	f.Close()

	data, _ := os.ReadFile(path)
	want := "Timestamp\tQuestion\tAutoreply\tManual reply\tis_approved\n"
	if string(data) != want {
		t.Errorf("file = %q, want %q", string(data), want)
	}
}

func TestAppend_OneLinePerRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.tsv")
	f, err := OpenTSV(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := []Row{
		{Timestamp: ts, Question: "Hello, I need help", Autoreply: "[AUTO-REPLY] hi"},
		{Timestamp: ts, Question: "multi\nline\twith tab", ManualReply: `back\slash`, ApprovalStatus: StatusDiscardedThenManual},
	}
	for _, r := range rows {
		if err := f.Append(context.Background(), r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3 (header + 2 rows):\n%s", len(lines), data)
	}
	for i, l := range lines {
		if n := strings.Count(l, "\t"); n != 4 {
			t.Errorf("line %d has %d separators, want 4: %q", i, n, l)
		}
	}
	if !strings.HasSuffix(lines[1], "\tUNSET") {
		t.Errorf("empty status should be written as UNSET: %q", lines[1])
	}

	got, err := ReadTSV(path)
	if err != nil {
		t.Fatalf("ReadTSV: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadTSV returned %d rows, want 2", len(got))
	}
	if got[1].Question != "multi\nline\twith tab" {
		t.Errorf("Question = %q, escaping did not round-trip", got[1].Question)
	}
	if got[1].ManualReply != `back\slash` {
		t.Errorf("ManualReply = %q", got[1].ManualReply)
	}
	if !got[0].Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got[0].Timestamp, ts)
	}
}

func TestFormatLine_KeepsSubSecondOrder(t *testing.T) {
	first := time.Date(2026, 1, 2, 3, 4, 5, 120000000, time.UTC)
	second := first.Add(345 * time.Microsecond)

	a, err := ParseLine(FormatLine(Row{Timestamp: first, Question: "a"}))
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseLine(FormatLine(Row{Timestamp: second, Question: "b"}))
	if err != nil {
		t.Fatal(err)
	}
	if !a.Timestamp.Equal(first) || !b.Timestamp.Equal(second) {
		t.Errorf("timestamps = %v, %v; want %v, %v", a.Timestamp, b.Timestamp, first, second)
	}
	if !a.Timestamp.Before(b.Timestamp) {
		t.Error("rows written within the same second lost their order")
	}
	if line := FormatLine(Row{Timestamp: second}); !strings.HasPrefix(line, "2026-01-02T03:04:05.120345Z\t") {
		t.Errorf("line = %q", line)
	}
}

func TestAppend_AfterClose(t *testing.T) {
	f, err := OpenTSV(filepath.Join(t.TempDir(), "log.tsv"))
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := f.Append(context.Background(), Row{Question: "q"}); err == nil {
		t.Fatal("expected error appending to closed log")
	}
}

func TestParseLine_WrongFieldCount(t *testing.T) {
	if _, err := ParseLine("a\tb"); err == nil {
		t.Fatal("expected error for short line")
	}
}

func TestParseLine_EscapedBackslashBeforeT(t *testing.T) {
	row := Row{Timestamp: time.Now().UTC().Truncate(time.Second), Question: `C:\temp`}
	got, err := ParseLine(FormatLine(row))
	if err != nil {
		t.Fatal(err)
	}
	if got.Question != `C:\temp` {
		t.Errorf("Question = %q, want C:\\temp", got.Question)
	}
}

func TestReadTSV_Missing(t *testing.T) {
	if _, err := ReadTSV(filepath.Join(t.TempDir(), "none.tsv")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCountByStatus(t *testing.T) {
	counts := CountByStatus([]Row{
		{ApprovalStatus: StatusApproved},
		{ApprovalStatus: StatusApproved},
		{ApprovalStatus: StatusDiscardedThenManual},
	})
	if counts[StatusApproved] != 2 || counts[StatusDiscardedThenManual] != 1 || counts[StatusUnset] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

type failingWriter struct{ calls int }

func (f *failingWriter) Append(context.Context, Row) error {
	f.calls++
	return errors.New("disk full")
}

type countingWriter struct{ rows []Row }

func (c *countingWriter) Append(_ context.Context, r Row) error {
	c.rows = append(c.rows, r)
	return nil
}

func TestTee_ContinuesPastFailure(t *testing.T) {
	bad := &failingWriter{}
	good := &countingWriter{}
	err := Tee{bad, good}.Append(context.Background(), Row{Question: "q"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("err = %v, want joined disk full error", err)
	}
	if bad.calls != 1 || len(good.rows) != 1 {
		t.Errorf("bad.calls=%d good.rows=%d, want 1 and 1", bad.calls, len(good.rows))
	}
}
