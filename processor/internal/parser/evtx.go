package parser

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-triage/common/database"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

// DecoderConfig configures the external binary event log decoder. The decoder
// must write one JSON object per line to stdout.
type DecoderConfig struct {
	Command string
	Args    []string // "{path}" is replaced by the file path; otherwise the path is appended
	Timeout time.Duration
}

// EVTXParser converts Windows .evtx containers through an external decoder.
type EVTXParser struct {
	cfg DecoderConfig
}

// NewEVTXParser creates an EVTXParser.
func NewEVTXParser(cfg DecoderConfig) *EVTXParser {
	if cfg.Command == "" {
		cfg.Command = "evtx_dump"
		cfg.Args = []string{"-o", "jsonl", "--dont-show-record-number"}
	}
	return &EVTXParser{cfg: cfg}
}

func (p *EVTXParser) Type() models.SourceType { return models.SourceEventLog }

func (p *EVTXParser) Open(ctx context.Context, path string) (Stream, error) {
	if err := checkMagic(path, evtxMagic); err != nil {
		return nil, err
	}

	runCtx, cancel := database.TimeoutContext(ctx, p.cfg.Timeout)

	cmd := exec.CommandContext(runCtx, p.cfg.Command, decoderArgs(p.cfg.Args, path)...)
	stderr := &limitedBuffer{max: 8 * 1024}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("decoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start decoder %s: %w", p.cfg.Command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	s := &evtxStream{
		base:    base{ctx: ctx},
		runCtx:  runCtx,
		cmd:     cmd,
		cancel:  cancel,
		scanner: scanner,
		stderr:  stderr,
	}
	s.meta.SourceType = models.SourceEventLog
	s.fetch = s.nextLine
	s.closers = []io.Closer{closerFunc(s.stop)}

	return s, nil
}

type evtxStream struct {
	base
	runCtx  context.Context
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	stderr  *limitedBuffer
	waited  bool
	waitErr error
}

func (s *evtxStream) nextLine() (map[string]any, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return decodeObject(line)
	}
	scanErr := s.scanner.Err()

	if err := s.wait(); err != nil {
		if errors.Is(s.runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("event log decoder timed out after %d records", s.next)
		}
		msg := strings.TrimSpace(s.stderr.String())
		if s.next == 0 {
			return nil, fmt.Errorf("%w: decoder failed: %v: %s", ErrInvalidContainer, err, msg)
		}
		// Records already produced stay usable; note the truncation
		s.warn("decoder exited early after %d records: %v: %s", s.next, err, msg)
		s.malformed++
	}
	if scanErr != nil {
		return nil, fmt.Errorf("read decoder output: %w", scanErr)
	}
	return nil, io.EOF
}

func (s *evtxStream) wait() error {
	if !s.waited {
		s.waited = true
		s.waitErr = s.cmd.Wait()
	}
	return s.waitErr
}

// stop kills a decoder that is still running and reaps it.
func (s *evtxStream) stop() error {
	s.cancel()
	err := s.wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, context.Canceled) {
		// Killed on purpose or already reported through Err
		return nil
	}
	return err
}

func decoderArgs(args []string, path string) []string {
	out := make([]string, 0, len(args)+1)
	substituted := false
	for _, a := range args {
		if strings.Contains(a, "{path}") {
			a = strings.ReplaceAll(a, "{path}", path)
			substituted = true
		}
		out = append(out, a)
	}
	if !substituted {
		out = append(out, path)
	}
	return out
}

func checkMagic(path string, magic []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, len(magic))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, magic) {
		return fmt.Errorf("%w: bad signature", ErrInvalidContainer)
	}
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}

func (l *limitedBuffer) String() string { return l.buf.String() }
