package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"media-job-orchestrator/internal/config"
	"media-job-orchestrator/internal/models"
)

var transcriptionMilestones = map[string]Phase{
	"preprocessing": {Name: "preprocessing", Progress: 20, Message: "Converting audio..."},
	"transcribing":  {Name: "transcribing", Progress: 50, Message: "Transcribing audio..."},
	"exporting":     {Name: "exporting", Progress: 85, Message: "Exporting transcript..."},
}

// Segment is one timed span of recognized speech, in seconds.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the JSON artifact a transcription job produces.
type Transcript struct {
	JobID    string    `json:"job_id"`
	Language string    `json:"language"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// Transcription converts input media to 16 kHz mono WAV with ffmpeg and runs whisper.cpp on it.
type Transcription struct {
	ffmpegPath  string
	whisperPath string
	modelPath   string
	language    string
	timeout     time.Duration
	runner      commandRunner
	stat        func(string) (os.FileInfo, error)
	readDir     func(string) ([]os.DirEntry, error)
}

func NewTranscription(cfg config.TranscriptionConfig) *Transcription {
	return &Transcription{
		ffmpegPath:  cfg.FFmpeg,
		whisperPath: cfg.Whisper,
		modelPath:   cfg.ModelPath,
		language:    cfg.Language,
		timeout:     cfg.Timeout,
		runner:      &execRunner{},
		stat:        os.Stat,
		readDir:     os.ReadDir,
	}
}

func (t *Transcription) Kind() models.Kind { return models.KindTranscription }

func (t *Transcription) Execute(ctx context.Context, req Request) (Result, error) {
	audio, err := input(req, "audio")
	if err != nil {
		return Result{}, err
	}
	language := t.language
	model := ""
	if o := req.Options.Transcription; o != nil {
		if o.Language != "" {
			language = o.Language
		}
		model = o.Model
	}
	modelPath, err := t.resolveModelPath(model)
	if err != nil {
		return Result{}, &Error{Stage: "transcribing", Message: err.Error(), Err: err}
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	wavPath := filepath.Join(req.WorkDir, "preprocessed-16k-mono.wav")
	emitPhase(req.OnPhase, transcriptionMilestones["preprocessing"])
	ffArgs := buildFFmpegArgs(audio, wavPath)
	res, runErr := t.runner.Run(ctx, nil, t.ffmpegPath, ffArgs...)
	ffLog := commandLog(t.ffmpegPath, ffArgs, res)
	if runErr != nil {
		return Result{}, &Error{Stage: "preprocessing", Message: "ffmpeg audio conversion failed: " + lastLine(res.Stderr), Log: ffLog, Err: runErr}
	}
	if _, err := t.stat(wavPath); err != nil {
		return Result{}, &Error{Stage: "preprocessing", Message: "ffmpeg completed but output file is missing", Log: ffLog, Err: err}
	}

	base := filepath.Join(req.WorkDir, "whisper")
	emitPhase(req.OnPhase, transcriptionMilestones["transcribing"])
	wArgs := buildWhisperArgs(modelPath, wavPath, base, language)
	tracker := newPhaseTracker(req.JobID, transcriptionMilestones, req.OnPhase)
	res, runErr = t.runner.Run(ctx, tracker.line, t.whisperPath, wArgs...)
	wLog := commandLog(t.whisperPath, wArgs, res)
	if runErr != nil {
		return Result{}, tracker.failure("transcribing", "whisper transcription failed", wLog, runErr)
	}

	emitPhase(req.OnPhase, transcriptionMilestones["exporting"])
	raw, err := os.ReadFile(base + ".json")
	if err != nil {
		return Result{}, &Error{Stage: "exporting", Message: "whisper completed but transcript file is missing", Log: wLog, Err: err}
	}
	segments, err := parseWhisperJSON(raw)
	if err != nil {
		return Result{}, &Error{Stage: "exporting", Message: err.Error(), Log: wLog, Err: err}
	}

	transcript := Transcript{
		JobID:    req.JobID,
		Language: language,
		Text:     joinSegments(segments),
		Segments: segments,
	}
	outPath := filepath.Join(req.WorkDir, req.JobID+"_transcript.json")
	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return Result{}, &Error{Stage: "exporting", Message: "encode transcript", Err: err}
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return Result{}, &Error{Stage: "exporting", Message: "write transcript", Err: err}
	}

	return Result{
		OutputPath:  outPath,
		ContentType: "application/json",
		FileName:    "transcript.json",
	}, nil
}

// resolveModelPath accepts a model file, or a directory holding ggml-<model>.bin files.
func (t *Transcription) resolveModelPath(model string) (string, error) {
	modelPath := strings.TrimSpace(t.modelPath)
	if modelPath == "" {
		return "", fmt.Errorf("transcription model path is not configured")
	}
	info, err := t.stat(modelPath)
	if err != nil {
		return "", fmt.Errorf("cannot access model path: %s", modelPath)
	}
	if !info.IsDir() {
		return modelPath, nil
	}

	if model != "" {
		for _, ext := range []string{".bin", ".gguf"} {
			candidate := filepath.Join(modelPath, "ggml-"+model+ext)
			if _, err := t.stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}

	entries, err := t.readDir(modelPath)
	if err != nil {
		return "", fmt.Errorf("cannot read model directory: %s", modelPath)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".bin" || ext == ".gguf" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no .bin or .gguf model files found in: %s", modelPath)
	}
	sort.Strings(names)
	return filepath.Join(modelPath, names[0]), nil
}

func buildFFmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

func buildWhisperArgs(modelPath, audioPath, outBase, language string) []string {
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
		"-of", outBase,
		"-oj",
	}
	if lang := strings.TrimSpace(language); lang != "" && !strings.EqualFold(lang, "auto") {
		args = append(args, "-l", lang)
	}
	return args
}

// whisper.cpp -oj output; offsets are milliseconds.
type whisperOutput struct {
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseWhisperJSON(raw []byte) ([]Segment, error) {
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode whisper output: %w", err)
	}
	segments := make([]Segment, 0, len(out.Transcription))
	for i, s := range out.Transcription {
		segments = append(segments, Segment{
			ID:    i,
			Start: float64(s.Offsets.From) / 1000,
			End:   float64(s.Offsets.To) / 1000,
			Text:  strings.TrimSpace(s.Text),
		})
	}
	return segments, nil
}

func joinSegments(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, " ")
}
