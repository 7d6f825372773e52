// Package detection runs an external rule engine over the events of one file
// and records its findings as rule violations and rule-hit flags.
package detection

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-triage/common/config"
	"github.com/telhawk-systems/telhawk-triage/common/logging"
)

// ErrEngineFailed covers a non-zero exit, a timeout, malformed output or an
// open circuit breaker. It fails the detection pass, never the file.
var ErrEngineFailed = errors.New("detection engine failed")

const maxStderr = 2048

// Finding is one rule match reported by the engine.
type Finding struct {
	RuleID    string   `json:"rule_id"`
	RuleTitle string   `json:"rule_title,omitempty"`
	Level     string   `json:"level,omitempty"`
	EventIDs  []string `json:"event_ids"`
}

// Engine evaluates the rules in rulesDir against the JSONL file at eventsPath.
type Engine interface {
	Evaluate(ctx context.Context, rulesDir, eventsPath string) ([]Finding, error)
}

// ExecEngine runs a configured command. The placeholders {rules} and {events}
// in its arguments are replaced by the exported paths.
type ExecEngine struct {
	command string
	args    []string
	timeout time.Duration
	logger  *logging.Logger
}

func NewExecEngine(cfg config.DetectionConfig, logger *logging.Logger) *ExecEngine {
	if logger == nil {
		logger = logging.Default()
	}
	return &ExecEngine{
		command: cfg.Command,
		args:    cfg.Args,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

func (e *ExecEngine) Evaluate(ctx context.Context, rulesDir, eventsPath string) ([]Finding, error) {
	if e.command == "" {
		return nil, fmt.Errorf("%w: no engine command configured", ErrEngineFailed)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	args := make([]string, len(e.args))
	for i, a := range e.args {
		a = strings.ReplaceAll(a, "{rules}", rulesDir)
		args[i] = strings.ReplaceAll(a, "{events}", eventsPath)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: timed out after %s", ErrEngineFailed, e.timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrEngineFailed, err, tail(stderr.String()))
	}
	e.logger.Debug("Detection engine finished",
		logging.Duration(time.Since(start)),
		"stdout_bytes", stdout.Len(),
	)

	findings, err := ParseFindings(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineFailed, err)
	}
	return findings, nil
}

// rawFinding accepts the flat format and the nested rule/document format.
type rawFinding struct {
	RuleID    string   `json:"rule_id"`
	RuleTitle string   `json:"rule_title"`
	Level     string   `json:"level"`
	EventIDs  []string `json:"event_ids"`
	EventID   string   `json:"event_id"`
	Rule      *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Level string `json:"level"`
	} `json:"rule"`
	Document *struct {
		ID string `json:"id"`
	} `json:"document"`
}

func (r rawFinding) finding() (Finding, error) {
	f := Finding{RuleID: r.RuleID, RuleTitle: r.RuleTitle, Level: r.Level, EventIDs: r.EventIDs}
	if r.Rule != nil {
		if f.RuleID == "" {
			f.RuleID = r.Rule.ID
		}
		if f.RuleTitle == "" {
			f.RuleTitle = r.Rule.Title
		}
		if f.Level == "" {
			f.Level = r.Rule.Level
		}
	}
	if r.EventID != "" {
		f.EventIDs = append(f.EventIDs, r.EventID)
	}
	if r.Document != nil && r.Document.ID != "" {
		f.EventIDs = append(f.EventIDs, r.Document.ID)
	}
	if f.RuleID == "" {
		return f, errors.New("finding without rule id")
	}
	if len(f.EventIDs) == 0 {
		return f, fmt.Errorf("finding for rule %s without event ids", f.RuleID)
	}
	return f, nil
}

// ParseFindings decodes engine output: a JSON array or one finding per line.
// Empty output means no findings.
func ParseFindings(out []byte) ([]Finding, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}

	var raws []rawFinding
	if out[0] == '[' {
		if err := json.Unmarshal(out, &raws); err != nil {
			return nil, fmt.Errorf("malformed findings array: %w", err)
		}
	} else {
		sc := bufio.NewScanner(bytes.NewReader(out))
		sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			text := bytes.TrimSpace(sc.Bytes())
			if len(text) == 0 {
				continue
			}
			var r rawFinding
			if err := json.Unmarshal(text, &r); err != nil {
				return nil, fmt.Errorf("malformed finding on line %d: %w", line, err)
			}
			raws = append(raws, r)
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}

	findings := make([]Finding, 0, len(raws))
	for _, r := range raws {
		f, err := r.finding()
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return s[len(s)-maxStderr:]
	}
	return s
}
