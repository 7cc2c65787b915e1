package backend

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"media-job-orchestrator/internal/config"
	"media-job-orchestrator/internal/models"
)

var masteringMilestones = map[string]Phase{
	"loading":   {Name: "loading", Progress: 20, Message: "Loading audio files..."},
	"analyzing": {Name: "analyzing", Progress: 40, Message: "Analyzing reference track..."},
	"matching":  {Name: "matching", Progress: 60, Message: "Matching frequency and loudness..."},
	"limiting":  {Name: "limiting", Progress: 80, Message: "Applying limiter..."},
	"saving":    {Name: "saving", Progress: 85, Message: "Saving mastered audio..."},
}

// Mastering matches a target recording to a reference using an external mastering command.
type Mastering struct {
	command   string
	maxLength int64
	timeout   time.Duration
	runner    commandRunner
	stat      func(string) (os.FileInfo, error)
}

func NewMastering(cfg config.MasteringConfig) *Mastering {
	return &Mastering{
		command:   cfg.Command,
		maxLength: cfg.MaxLength,
		timeout:   cfg.Timeout,
		runner:    &execRunner{},
		stat:      os.Stat,
	}
}

func (m *Mastering) Kind() models.Kind { return models.KindMastering }

func (m *Mastering) Execute(ctx context.Context, req Request) (Result, error) {
	target, err := input(req, "target")
	if err != nil {
		return Result{}, err
	}
	reference, err := input(req, "reference")
	if err != nil {
		return Result{}, err
	}
	opts := req.Options.Mastering
	if opts == nil {
		return Result{}, &Error{Stage: "preparing", Message: "mastering options are required"}
	}
	maxLength := opts.MaxLength
	if maxLength <= 0 {
		maxLength = m.maxLength
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	outPath := filepath.Join(req.WorkDir, req.JobID+"_mastered.wav")
	args := buildMasteringArgs(target, reference, outPath, opts.BitDepth, opts.Threshold, maxLength)
	tracker := newPhaseTracker(req.JobID, masteringMilestones, req.OnPhase)

	res, runErr := m.runner.Run(ctx, tracker.line, m.command, args...)
	l := commandLog(m.command, args, res)
	if runErr != nil {
		return Result{}, tracker.failure("mastering", "mastering command failed", l, runErr)
	}
	if _, err := m.stat(outPath); err != nil {
		return Result{}, &Error{Stage: "saving", Message: "mastering completed but output file is missing", Log: l, Err: err}
	}

	return Result{
		OutputPath:  outPath,
		ContentType: "audio/wav",
		FileName:    "mastered_podcast.wav",
	}, nil
}

func buildMasteringArgs(target, reference, output string, bitDepth int, threshold float64, maxLength int64) []string {
	return []string{
		"--target", target,
		"--reference", reference,
		"--output", output,
		"--bit-depth", strconv.Itoa(bitDepth),
		"--threshold", strconv.FormatFloat(threshold, 'f', -1, 64),
		"--max-length", strconv.FormatInt(maxLength, 10),
		"--progress", "json",
	}
}
