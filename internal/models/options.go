package models

// Limiter modes and their fixed thresholds. Lower means more aggressive limiting.
const (
	LimiterGentle = "gentle"
	LimiterNormal = "normal"
	LimiterLoud   = "loud"

	ThresholdGentle = 0.95
	ThresholdNormal = 0.9
	ThresholdLoud   = 0.8
)

// Output qualities and the bit depth each one renders at.
const (
	QualityStandard = "standard"
	QualityHigh     = "high"
)

// DefaultMaxLength covers roughly four hours of 44.1 kHz audio in samples.
const DefaultMaxLength = 635_040_000

// LimiterThreshold maps a limiter mode to its threshold. Unknown modes map to normal.
func LimiterThreshold(mode string) float64 {
	switch mode {
	case LimiterGentle:
		return ThresholdGentle
	case LimiterLoud:
		return ThresholdLoud
	default:
		return ThresholdNormal
	}
}

// BitDepth maps an output quality to its PCM bit depth. Unknown qualities map to standard.
func BitDepth(quality string) int {
	if quality == QualityHigh {
		return 24
	}
	return 16
}

// Options carries the normalized options for exactly one kind.
type Options struct {
	Mastering     *MasteringOptions     `json:"mastering,omitempty"`
	Transcription *TranscriptionOptions `json:"transcription,omitempty"`
	Render        *RenderOptions        `json:"render,omitempty"`
}

type MasteringOptions struct {
	OutputQuality string  `json:"output_quality"`
	LimiterMode   string  `json:"limiter_mode"`
	Threshold     float64 `json:"threshold"`
	BitDepth      int     `json:"bit_depth"`
	MaxLength     int64   `json:"max_length"`
}

type TranscriptionOptions struct {
	Language string `json:"language"`
	Model    string `json:"model"`
}

// Caption is one timed overlay line in a rendered video.
type Caption struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Aspect ratios supported by the renderer.
const (
	AspectLandscape = "16:9"
	AspectPortrait  = "9:16"
)

type RenderOptions struct {
	Title           string    `json:"title"`
	Subtitle        string    `json:"subtitle"`
	Captions        []Caption `json:"captions"`
	GradientFrom    string    `json:"gradient_from"`
	GradientTo      string    `json:"gradient_to"`
	AccentColor     string    `json:"accent_color"`
	ShowProgressBar bool      `json:"show_progress_bar"`
	AspectRatio     string    `json:"aspect_ratio"`
	DurationSeconds float64   `json:"duration_seconds"`
	FPS             int       `json:"fps"`
}

// Dimensions returns the frame size for the configured aspect ratio.
func (o RenderOptions) Dimensions() (width, height int) {
	if o.AspectRatio == AspectPortrait {
		return 1080, 1920
	}
	return 1920, 1080
}
