package backend

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"media-job-orchestrator/internal/config"
	"media-job-orchestrator/internal/models"
)

var renderMilestones = map[string]Phase{
	"preparing":  {Name: "preparing", Progress: 15, Message: "Preparing scene..."},
	"rendering":  {Name: "rendering", Progress: 30, Message: "Rendering frames..."},
	"encoding":   {Name: "encoding", Progress: 70, Message: "Encoding video..."},
	"finalizing": {Name: "finalizing", Progress: 85, Message: "Finalizing video..."},
}

// sceneProps is the structured scene description handed to the renderer.
type sceneProps struct {
	Title            string           `json:"title"`
	Subtitle         string           `json:"subtitle"`
	Captions         []models.Caption `json:"captions"`
	GradientFrom     string           `json:"gradientFrom"`
	GradientTo       string           `json:"gradientTo"`
	AccentColor      string           `json:"accentColor"`
	ShowProgressBar  bool             `json:"showProgressBar"`
	Width            int              `json:"width"`
	Height           int              `json:"height"`
	FPS              int              `json:"fps"`
	DurationInFrames int              `json:"durationInFrames"`
	AudioSrc         string           `json:"audioSrc"`
}

// VideoRender produces an mp4 from an audio track and a scene description.
type VideoRender struct {
	command     string
	entry       string
	composition string
	concurrency int
	timeout     time.Duration
	runner      commandRunner
	stat        func(string) (os.FileInfo, error)
}

func NewVideoRender(cfg config.RenderConfig) *VideoRender {
	return &VideoRender{
		command:     cfg.Command,
		entry:       cfg.Entry,
		composition: cfg.Composition,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
		runner:      &execRunner{},
		stat:        os.Stat,
	}
}

func (v *VideoRender) Kind() models.Kind { return models.KindVideoRender }

func (v *VideoRender) Execute(ctx context.Context, req Request) (Result, error) {
	audio, err := input(req, "audio")
	if err != nil {
		return Result{}, err
	}
	opts := req.Options.Render
	if opts == nil {
		return Result{}, &Error{Stage: "preparing", Message: "render options are required"}
	}

	emitPhase(req.OnPhase, renderMilestones["preparing"])
	props := buildSceneProps(*opts, audio)
	propsPath := filepath.Join(req.WorkDir, "props.json")
	data, err := json.Marshal(props)
	if err != nil {
		return Result{}, &Error{Stage: "preparing", Message: "encode scene props", Err: err}
	}
	if err := os.WriteFile(propsPath, data, 0o644); err != nil {
		return Result{}, &Error{Stage: "preparing", Message: "write scene props", Err: err}
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	outPath := filepath.Join(req.WorkDir, "video_"+req.JobID+".mp4")
	args := v.buildArgs(propsPath, outPath)
	tracker := newPhaseTracker(req.JobID, renderMilestones, req.OnPhase)
	res, runErr := v.runner.Run(ctx, tracker.line, v.command, args...)
	l := commandLog(v.command, args, res)
	if runErr != nil {
		return Result{}, tracker.failure("rendering", "video render failed", l, runErr)
	}
	if _, err := v.stat(outPath); err != nil {
		return Result{}, &Error{Stage: "finalizing", Message: "render completed but output file is missing", Log: l, Err: err}
	}

	return Result{
		OutputPath:  outPath,
		ContentType: "video/mp4",
		FileName:    "podcast_video.mp4",
	}, nil
}

func (v *VideoRender) buildArgs(propsPath, outPath string) []string {
	args := []string{
		"remotion", "render",
		v.entry,
		v.composition,
		outPath,
		"--props=" + propsPath,
	}
	if v.concurrency > 0 {
		args = append(args, "--concurrency", strconv.Itoa(v.concurrency))
	}
	return args
}

func buildSceneProps(o models.RenderOptions, audioPath string) sceneProps {
	width, height := o.Dimensions()
	fps := o.FPS
	if fps <= 0 {
		fps = 30
	}
	captions := o.Captions
	if captions == nil {
		captions = []models.Caption{}
	}
	return sceneProps{
		Title:            o.Title,
		Subtitle:         o.Subtitle,
		Captions:         captions,
		GradientFrom:     o.GradientFrom,
		GradientTo:       o.GradientTo,
		AccentColor:      o.AccentColor,
		ShowProgressBar:  o.ShowProgressBar,
		Width:            width,
		Height:           height,
		FPS:              fps,
		DurationInFrames: int(math.Ceil(o.DurationSeconds * float64(fps))),
		AudioSrc:         audioPath,
	}
}
