// Package parser detects log file formats and turns files into lazy streams of
// raw records. One malformed record never aborts a file; a stream only fails
// when nothing usable can be produced or the container itself is invalid.
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

var (
	// ErrUnsupportedFormat means no parser recognises the file.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrNoRecords means the file contained records but none could be parsed.
	ErrNoRecords = errors.New("no parsable records")
	// ErrInvalidContainer means the file structure itself is corrupt.
	ErrInvalidContainer = errors.New("invalid container")
)

var (
	evtxMagic = []byte("ElfFile\x00")
	zipMagic  = []byte("PK\x03\x04")
	utf8BOM   = []byte{0xEF, 0xBB, 0xBF}
)

// sniffSize is how much of a file Detect reads.
const sniffSize = 4096

// Record is one raw record with its zero-based position in the file.
type Record struct {
	Index  int
	Fields map[string]any
}

// Metadata describes the structure of a parsed file.
type Metadata struct {
	SourceType models.SourceType
	Columns    []string          // CSV header or the last W3C #Fields directive
	Directives map[string]string // W3C #Software, #Version, #Date
	Warnings   []string
}

// Stream is a lazy, finite, non-restartable sequence of records. Use it like
// bufio.Scanner:
//
//	for s.Next() {
//		rec := s.Record()
//	}
//	if err := s.Err(); err != nil { ... }
type Stream interface {
	Next() bool
	Record() Record
	Err() error
	// Malformed is the number of records skipped because they could not be parsed.
	Malformed() int
	Metadata() Metadata
	Close() error
}

// Parser opens one source type.
type Parser interface {
	Type() models.SourceType
	Open(ctx context.Context, path string) (Stream, error)
}

// Detection is the result of sniffing a file.
type Detection struct {
	SourceType models.SourceType
	Archive    bool // Zip container; expand with ExpandArchive and detect each member
}

// Detect classifies a file by magic bytes, then content, then extension.
func Detect(path string) (Detection, error) {
	f, err := os.Open(path)
	if err != nil {
		return Detection{}, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	head := make([]byte, sniffSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Detection{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	head = head[:n]

	return DetectBytes(filepath.Ext(path), head)
}

// DetectBytes classifies a file from its extension and leading bytes.
func DetectBytes(ext string, head []byte) (Detection, error) {
	switch {
	case bytes.HasPrefix(head, evtxMagic):
		return Detection{SourceType: models.SourceEventLog}, nil
	case bytes.HasPrefix(head, zipMagic):
		return Detection{Archive: true}, nil
	}

	text := bytes.TrimLeft(bytes.TrimPrefix(head, utf8BOM), " \t\r\n")
	switch {
	case len(text) > 0 && (text[0] == '[' || text[0] == '{'):
		return Detection{SourceType: models.SourceGenericJSON}, nil
	case isW3CHeader(text):
		return Detection{SourceType: models.SourceExtendedWebLog}, nil
	}

	switch strings.ToLower(ext) {
	case ".evtx":
		// Right extension but wrong magic
		return Detection{}, fmt.Errorf("%w: missing event log signature", ErrInvalidContainer)
	case ".json", ".jsonl", ".ndjson":
		return Detection{SourceType: models.SourceGenericJSON}, nil
	case ".csv", ".tsv":
		return Detection{SourceType: models.SourceDelimitedText}, nil
	case ".zip":
		return Detection{}, fmt.Errorf("%w: missing zip signature", ErrInvalidContainer)
	}

	if looksDelimited(text) {
		return Detection{SourceType: models.SourceDelimitedText}, nil
	}

	return Detection{}, ErrUnsupportedFormat
}

func isW3CHeader(text []byte) bool {
	for _, prefix := range []string{"#Software:", "#Version:", "#Fields:", "#Date:", "#Remark:"} {
		if bytes.HasPrefix(text, []byte(prefix)) {
			return true
		}
	}
	return false
}

// looksDelimited reports whether the first two lines split into the same
// number (>1) of columns on a common delimiter.
func looksDelimited(text []byte) bool {
	lines := bytes.SplitN(text, []byte("\n"), 3)
	if len(lines) < 2 {
		return false
	}
	delim := sniffDelimiter(string(lines[0]))
	first := strings.Count(string(lines[0]), string(delim))
	second := strings.Count(string(lines[1]), string(delim))
	return first > 0 && first == second
}

// Registry maps source types to parsers.
type Registry struct {
	parsers map[models.SourceType]Parser
}

// NewRegistry creates a registry with the built-in parsers. decoder configures
// the external event log decoder.
func NewRegistry(decoder DecoderConfig) *Registry {
	r := &Registry{parsers: make(map[models.SourceType]Parser)}
	r.Register(NewEVTXParser(decoder))
	r.Register(&JSONParser{})
	r.Register(&CSVParser{})
	r.Register(&W3CParser{})
	return r
}

// Register adds or replaces the parser for its source type.
func (r *Registry) Register(p Parser) {
	r.parsers[p.Type()] = p
}

// Open opens path with the parser registered for st.
func (r *Registry) Open(ctx context.Context, path string, st models.SourceType) (Stream, error) {
	p, ok := r.parsers[st]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, st)
	}
	return p.Open(ctx, path)
}
