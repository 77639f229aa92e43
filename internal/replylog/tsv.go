package replylog

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Header is the first line of every log file.
var Header = []string{"Timestamp", "Question", "Autoreply", "Manual reply", "is_approved"}

const separator = "\t"

var (
	escaper   = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`, "\r", `\r`)
	unescaper = strings.NewReplacer(`\\`, `\`, `\t`, "\t", `\n`, "\n", `\r`, "\r")
)

// TSVFile appends rows to a tab-separated file, one record per line.
// Separators and line breaks inside values are backslash-escaped so a
// record never spans lines.
type TSVFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenTSV opens (or creates) the log at path, writing the header when the
// file is new or empty.
func OpenTSV(path string) (*TSVFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("replylog: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("replylog: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		if _, err := f.WriteString(strings.Join(Header, separator) + "\n"); err != nil {
			f.Close()
			return nil, fmt.Errorf("replylog: write header: %w", err)
		}
	}
	return &TSVFile{path: path, f: f}, nil
}

// Path returns the file location.
func (t *TSVFile) Path() string { return t.path }

// Append implements Writer. The line is synced before returning.
func (t *TSVFile) Append(ctx context.Context, row Row) error {
	row = normalize(row)
	line := FormatLine(row)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return fmt.Errorf("replylog: %s is closed", t.path)
	}
	if _, err := t.f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("replylog: append: %w", err)
	}
	if err := t.f.Sync(); err != nil {
		return fmt.Errorf("replylog: sync: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (t *TSVFile) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

// FormatLine renders the five columns of row without a trailing newline.
func FormatLine(row Row) string {
	fields := []string{
		row.Timestamp.Format(time.RFC3339Nano),
		row.Question,
		row.Autoreply,
		row.ManualReply,
		string(row.ApprovalStatus),
	}
	for i, f := range fields {
		fields[i] = escaper.Replace(f)
	}
	return strings.Join(fields, separator)
}

// ParseLine is the inverse of FormatLine.
func ParseLine(line string) (Row, error) {
	parts := strings.Split(line, separator)
	if len(parts) != len(Header) {
		return Row{}, fmt.Errorf("replylog: expected %d fields, got %d", len(Header), len(parts))
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Row{}, fmt.Errorf("replylog: timestamp: %w", err)
	}
	return Row{
		Timestamp:      ts,
		Question:       unescaper.Replace(parts[1]),
		Autoreply:      unescaper.Replace(parts[2]),
		ManualReply:    unescaper.Replace(parts[3]),
		ApprovalStatus: Status(unescaper.Replace(parts[4])),
	}, nil
}

// ReadTSV loads every row of the log at path, skipping the header.
func ReadTSV(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replylog: open %s: %w", path, err)
	}
	defer f.Close()

	var rows []Row
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if lineNo == 1 && line == strings.Join(Header, separator) {
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		row, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("replylog: %s line %d: %w", path, lineNo, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("replylog: read %s: %w", path, err)
	}
	return rows, nil
}

// CountByStatus tallies rows per approval status.
func CountByStatus(rows []Row) map[Status]int {
	out := make(map[Status]int)
	for _, r := range rows {
		out[r.ApprovalStatus]++
	}
	return out
}
