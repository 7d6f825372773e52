package parser

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

// CSVParser reads header-delimited text. The delimiter is sniffed from the
// header line.
type CSVParser struct{}

func (p *CSVParser) Type() models.SourceType { return models.SourceDelimitedText }

func (p *CSVParser) Open(ctx context.Context, path string) (Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}

	br := bufio.NewReader(f)
	if bom, err := br.Peek(3); err == nil && string(bom) == string(utf8BOM) {
		_, _ = br.Discard(3)
	}
	headLine, _ := br.Peek(sniffSize)

	r := csv.NewReader(br)
	r.Comma = sniffDelimiter(firstLine(string(headLine)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	s := &csvStream{base: base{ctx: ctx, closers: []io.Closer{f}}, reader: r}
	s.meta.SourceType = models.SourceDelimitedText

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.fetch = func() (map[string]any, error) { return nil, io.EOF }
			return s, nil
		}
		f.Close()
		return nil, fmt.Errorf("%w: unreadable header: %v", ErrInvalidContainer, err)
	}
	s.header = normalizeHeader(header)
	s.meta.Columns = s.header
	s.fetch = s.nextRow

	return s, nil
}

type csvStream struct {
	base
	reader *csv.Reader
	header []string
}

func (s *csvStream) nextRow() (map[string]any, error) {
	row, err := s.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return nil, errSkip(err)
		}
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if isBlankRow(row) {
		return nil, errSkip(errors.New("blank row"))
	}

	fields := make(map[string]any, len(row))
	for i, v := range row {
		key := fmt.Sprintf("column_%d", i+1)
		if i < len(s.header) {
			key = s.header[i]
		}
		fields[key] = v
	}
	return fields, nil
}

// normalizeHeader trims names and makes empty or repeated names unique.
func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		} else {
			seen[name] = 1
		}
		out[i] = name
	}
	return out
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// sniffDelimiter picks the most frequent candidate delimiter in line.
func sniffDelimiter(line string) rune {
	best, bestCount := ',', 0
	for _, d := range []rune{',', '\t', ';', '|'} {
		if c := strings.Count(line, string(d)); c > bestCount {
			best, bestCount = d, c
		}
	}
	return best
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
