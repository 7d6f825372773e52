package parser

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

// maxLineSize bounds a single NDJSON/W3C/decoder line.
const maxLineSize = 16 * 1024 * 1024

// wrapperKeys are top-level keys whose array value holds the real records
// (CloudTrail "Records", Graph API "value").
var wrapperKeys = []string{"Records", "records", "events", "Events", "value", "data"}

// JSONParser reads a top-level JSON array, newline-delimited JSON, or a
// sequence of (possibly pretty-printed) objects.
type JSONParser struct{}

func (p *JSONParser) Type() models.SourceType { return models.SourceGenericJSON }

func (p *JSONParser) Open(ctx context.Context, path string) (Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open json: %w", err)
	}

	br := bufio.NewReaderSize(f, 64*1024)
	s := &jsonStream{base: base{ctx: ctx, closers: []io.Closer{f}}}
	s.meta.SourceType = models.SourceGenericJSON

	first, err := peekFirstByte(br)
	if errors.Is(err, io.EOF) {
		// Empty file: an empty stream, not an error. Close releases f.
		s.fetch = func() (map[string]any, error) { return nil, io.EOF }
		return s, nil
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read json: %w", err)
	}

	switch first {
	case '[':
		s.dec = json.NewDecoder(br)
		if _, err := s.dec.Token(); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", ErrInvalidContainer, err)
		}
		s.fetch = s.nextArrayElement
	case '{':
		if isNDJSON(br) {
			s.scanner = bufio.NewScanner(br)
			s.scanner.Buffer(make([]byte, 64*1024), maxLineSize)
			s.fetch = s.nextLine
		} else {
			s.dec = json.NewDecoder(br)
			s.dec.UseNumber()
			s.fetch = s.nextObject
		}
	default:
		f.Close()
		return nil, fmt.Errorf("%w: json must start with '[' or '{'", ErrInvalidContainer)
	}

	return s, nil
}

type jsonStream struct {
	base
	dec     *json.Decoder
	scanner *bufio.Scanner
	pending []json.RawMessage // unwrapped elements of a wrapper object
}

func (s *jsonStream) nextArrayElement() (map[string]any, error) {
	if !s.dec.More() {
		return nil, io.EOF
	}
	var raw json.RawMessage
	if err := s.dec.Decode(&raw); err != nil {
		// A syntax error leaves the decoder unusable; keep what we have
		s.warn("array truncated after %d records: %v", s.next, err)
		s.malformed++
		return nil, io.EOF
	}
	return decodeObject(raw)
}

func (s *jsonStream) nextLine() (map[string]any, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return decodeObject(line)
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ndjson: %w", err)
	}
	return nil, io.EOF
}

func (s *jsonStream) nextObject() (map[string]any, error) {
	if len(s.pending) > 0 {
		raw := s.pending[0]
		s.pending = s.pending[1:]
		return decodeObject(raw)
	}

	var obj map[string]any
	if err := s.dec.Decode(&obj); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		s.warn("object stream truncated after %d records: %v", s.next, err)
		s.malformed++
		return nil, io.EOF
	}

	if records, ok := unwrap(obj); ok {
		s.pending = records
		return s.nextObject()
	}
	return obj, nil
}

// maxWrapperKeys allows one metadata key beside the records, as in
// {"@odata.context": "...", "value": [...]}.
const maxWrapperKeys = 2

// unwrap returns the records of a wrapper object such as {"Records": [...]}.
// A wrapper holds a non-empty array of objects under one of wrapperKeys and
// at most one other key.
func unwrap(obj map[string]any) ([]json.RawMessage, bool) {
	if len(obj) > maxWrapperKeys {
		return nil, false
	}
	for _, key := range wrapperKeys {
		arr, ok := obj[key].([]any)
		if !ok || len(arr) == 0 {
			continue
		}
		if !allObjects(arr) {
			continue
		}
		out := make([]json.RawMessage, 0, len(arr))
		for _, item := range arr {
			raw, err := json.Marshal(item)
			if err != nil {
				continue
			}
			out = append(out, raw)
		}
		return out, true
	}
	return nil, false
}

func allObjects(arr []any) bool {
	for _, item := range arr {
		if _, ok := item.(map[string]any); !ok {
			return false
		}
	}
	return true
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, errSkip(err)
	}
	if obj == nil {
		return nil, errSkip(errors.New("not an object"))
	}
	return obj, nil
}

// peekFirstByte skips a BOM and whitespace and returns the first significant byte.
func peekFirstByte(br *bufio.Reader) (byte, error) {
	if bom, err := br.Peek(3); err == nil && bytes.Equal(bom, utf8BOM) {
		_, _ = br.Discard(3)
	}
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

// isNDJSON reports whether the first line is a complete JSON object.
func isNDJSON(br *bufio.Reader) bool {
	buf, _ := br.Peek(br.Size())
	line := buf
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		line = buf[:i]
	} else if len(buf) == br.Size() {
		// First line longer than the buffer: assume one object per line
		return true
	}
	return json.Valid(bytes.TrimSpace(line))
}
