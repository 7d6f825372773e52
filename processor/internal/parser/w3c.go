package parser

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

// W3CParser reads W3C extended log files (IIS, some proxies and firewalls).
// Columns come from #Fields directives, which may change mid-file.
type W3CParser struct{}

func (p *W3CParser) Type() models.SourceType { return models.SourceExtendedWebLog }

func (p *W3CParser) Open(ctx context.Context, path string) (Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open w3c log: %w", err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	s := &w3cStream{base: base{ctx: ctx, closers: []io.Closer{f}}, scanner: scanner}
	s.meta.SourceType = models.SourceExtendedWebLog
	s.meta.Directives = make(map[string]string)
	s.fetch = s.nextLine

	return s, nil
}

type w3cStream struct {
	base
	scanner *bufio.Scanner
	columns []string
}

func (s *w3cStream) nextLine() (map[string]any, error) {
	for s.scanner.Scan() {
		line := bytes.TrimRight(s.scanner.Bytes(), "\r")
		if s.next == 0 && s.malformed == 0 {
			line = bytes.TrimPrefix(line, utf8BOM)
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if line[0] == '#' {
			s.directive(string(line[1:]))
			continue
		}
		return s.row(string(line))
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read w3c log: %w", err)
	}
	return nil, io.EOF
}

func (s *w3cStream) directive(d string) {
	name, value, ok := strings.Cut(d, ":")
	if !ok {
		return
	}
	value = strings.TrimSpace(value)
	if name == "Fields" {
		s.columns = strings.Fields(value)
		s.meta.Columns = s.columns
		return
	}
	s.meta.Directives[name] = value
}

func (s *w3cStream) row(line string) (map[string]any, error) {
	if len(s.columns) == 0 {
		return nil, errSkip(errors.New("data line before #Fields directive"))
	}
	values := strings.Fields(line)
	if len(values) != len(s.columns) {
		return nil, errSkip(fmt.Errorf("expected %d fields, got %d", len(s.columns), len(values)))
	}

	fields := make(map[string]any, len(values))
	for i, v := range values {
		if v == "-" {
			v = ""
		}
		fields[s.columns[i]] = v
	}
	return fields, nil
}
