package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const maxCapture = 64 << 10

// CommandLog captures one external command invocation.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution. onLine receives each stdout line as it is printed.
type commandRunner interface {
	Run(ctx context.Context, onLine func(string), name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, onLine func(string), name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return commandResult{ExitCode: -1}, err
	}
	stderr := &tailBuffer{limit: maxCapture}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return commandResult{ExitCode: -1}, err
	}

	out := &tailBuffer{limit: maxCapture}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		out.Write([]byte(line + "\n"))
		if onLine != nil {
			onLine(line)
		}
	}
	// Drain anything left after an over-long line so the process can exit.
	_, _ = io.Copy(io.Discard, stdout)

	err = cmd.Wait()
	result := commandResult{Stdout: out.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// phaseLine is the JSON line a backend prints to announce a phase change or a failure.
type phaseLine struct {
	Phase   string `json:"phase"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// phaseTracker maps phase lines to milestones and remembers the last reported error.
type phaseTracker struct {
	jobID      string
	milestones map[string]Phase
	onPhase    func(Phase)
	lastError  string
}

func newPhaseTracker(jobID string, milestones map[string]Phase, onPhase func(Phase)) *phaseTracker {
	return &phaseTracker{jobID: jobID, milestones: milestones, onPhase: onPhase}
}

func (p *phaseTracker) line(raw string) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		log.Debug().Str("job_id", p.jobID).Str("line", raw).Msg("backend output")
		return
	}
	var pl phaseLine
	if err := json.Unmarshal([]byte(raw), &pl); err != nil {
		log.Debug().Str("job_id", p.jobID).Str("line", raw).Msg("backend output")
		return
	}
	if pl.Error != "" {
		p.lastError = pl.Error
	}
	m, ok := p.milestones[pl.Phase]
	if !ok {
		return
	}
	if pl.Message != "" {
		m.Message = pl.Message
	}
	emitPhase(p.onPhase, m)
}

// failure builds the backend error, preferring the backend's own reported message.
func (p *phaseTracker) failure(stage, fallback string, l CommandLog, err error) *Error {
	msg := p.lastError
	if msg == "" {
		msg = lastLine(l.Stderr)
	}
	if msg == "" {
		msg = fallback
	}
	return &Error{Stage: stage, Message: msg, Log: l, Err: err}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func commandLog(name string, args []string, res commandResult) CommandLog {
	return CommandLog{
		Command:  name,
		Args:     args,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
}
