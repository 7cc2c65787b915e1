package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"media-job-orchestrator/internal/models"
)

// Render defaults applied when an option is absent or unusable.
const (
	defaultTitle        = "Video"
	defaultGradientFrom = "#1a1a2e"
	defaultGradientTo   = "#16213e"
	defaultAccentColor  = "#f97316"
	defaultDuration     = 60.0
	maxDuration         = 4 * 60 * 60.0
	defaultFPS          = 30
	maxFPS              = 60
	defaultModel        = "base"
)

var hexColor = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

type rawMastering struct {
	OutputQuality string `json:"output_quality"`
	LimiterMode   string `json:"limiter_mode"`
}

type rawTranscription struct {
	Language string `json:"language"`
	Model    string `json:"model"`
}

type rawRender struct {
	Title           string           `json:"title"`
	Subtitle        string           `json:"subtitle"`
	Captions        []models.Caption `json:"captions"`
	GradientFrom    string           `json:"gradient_from"`
	GradientTo      string           `json:"gradient_to"`
	AccentColor     string           `json:"accent_color"`
	ShowProgressBar *bool            `json:"show_progress_bar"`
	AspectRatio     string           `json:"aspect_ratio"`
	DurationSeconds float64          `json:"duration_seconds"`
	FPS             int              `json:"fps"`
}

// normalizeOptions decodes the kind's recognized options. Unrecognized or
// out-of-range values fall back to the kind's default; only undecodable
// JSON is an error.
func (s *Service) normalizeOptions(kind models.Kind, raw json.RawMessage) (models.Options, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	switch kind {
	case models.KindMastering:
		var in rawMastering
		if err := json.Unmarshal(raw, &in); err != nil {
			return models.Options{}, fmt.Errorf("%w: options: %v", ErrInvalidRequest, err)
		}
		return models.Options{Mastering: s.masteringOptions(in)}, nil
	case models.KindTranscription:
		var in rawTranscription
		if err := json.Unmarshal(raw, &in); err != nil {
			return models.Options{}, fmt.Errorf("%w: options: %v", ErrInvalidRequest, err)
		}
		return models.Options{Transcription: s.transcriptionOptions(in)}, nil
	case models.KindVideoRender:
		var in rawRender
		if err := json.Unmarshal(raw, &in); err != nil {
			return models.Options{}, fmt.Errorf("%w: options: %v", ErrInvalidRequest, err)
		}
		return models.Options{Render: renderOptions(in)}, nil
	}
	return models.Options{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}

func (s *Service) masteringOptions(in rawMastering) *models.MasteringOptions {
	quality := strings.ToLower(strings.TrimSpace(in.OutputQuality))
	if quality != models.QualityStandard && quality != models.QualityHigh {
		quality = models.QualityStandard
	}
	mode := strings.ToLower(strings.TrimSpace(in.LimiterMode))
	switch mode {
	case models.LimiterGentle, models.LimiterNormal, models.LimiterLoud:
	default:
		mode = models.LimiterNormal
	}
	maxLength := s.maxLength
	if maxLength <= 0 {
		maxLength = models.DefaultMaxLength
	}
	return &models.MasteringOptions{
		OutputQuality: quality,
		LimiterMode:   mode,
		Threshold:     models.LimiterThreshold(mode),
		BitDepth:      models.BitDepth(quality),
		MaxLength:     maxLength,
	}
}

func (s *Service) transcriptionOptions(in rawTranscription) *models.TranscriptionOptions {
	lang := strings.ToLower(strings.TrimSpace(in.Language))
	if lang == "" || len(lang) > 8 {
		lang = s.defaultLanguage
	}
	if lang == "" {
		lang = "auto"
	}
	model := strings.TrimSpace(in.Model)
	if model == "" || strings.ContainsAny(model, `/\`) {
		model = defaultModel
	}
	return &models.TranscriptionOptions{Language: lang, Model: model}
}

func renderOptions(in rawRender) *models.RenderOptions {
	out := &models.RenderOptions{
		Title:           strings.TrimSpace(in.Title),
		Subtitle:        strings.TrimSpace(in.Subtitle),
		GradientFrom:    colorOr(in.GradientFrom, defaultGradientFrom),
		GradientTo:      colorOr(in.GradientTo, defaultGradientTo),
		AccentColor:     colorOr(in.AccentColor, defaultAccentColor),
		ShowProgressBar: true,
		AspectRatio:     in.AspectRatio,
		DurationSeconds: in.DurationSeconds,
		FPS:             in.FPS,
	}
	if out.Title == "" {
		out.Title = defaultTitle
	}
	if in.ShowProgressBar != nil {
		out.ShowProgressBar = *in.ShowProgressBar
	}
	if out.AspectRatio != models.AspectPortrait {
		out.AspectRatio = models.AspectLandscape
	}
	if out.DurationSeconds <= 0 || out.DurationSeconds > maxDuration {
		out.DurationSeconds = defaultDuration
	}
	if out.FPS <= 0 || out.FPS > maxFPS {
		out.FPS = defaultFPS
	}
	for _, c := range in.Captions {
		text := strings.TrimSpace(c.Text)
		if text == "" || c.Start < 0 || c.End <= c.Start {
			continue
		}
		out.Captions = append(out.Captions, models.Caption{Start: c.Start, End: c.End, Text: text})
	}
	return out
}

func colorOr(v, fallback string) string {
	v = strings.TrimSpace(v)
	if hexColor.MatchString(v) {
		return v
	}
	return fallback
}
