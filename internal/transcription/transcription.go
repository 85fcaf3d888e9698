// Package transcription converts voice messages to text.
package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Zolokon/business-planner-sub000/internal/config"
)

var tracer = otel.Tracer("planner.transcription")

var (
	// ErrTranscriptionFailed is returned when audio cannot be turned into text.
	ErrTranscriptionFailed = errors.New("transcription failed")

	// ErrDisabled is returned by the Disabled transcriber.
	ErrDisabled = errors.New("transcription disabled")
)

// Transcriber converts audio bytes to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Static returns the same transcript for any audio. Used offline and in
// tests.
type Static struct {
	Text string
}

func (s Static) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(audio) == 0 {
		return "", fmt.Errorf("%w: empty audio", ErrTranscriptionFailed)
	}
	return s.Text, nil
}

// Disabled rejects every request.
type Disabled struct{}

func (Disabled) Transcribe(context.Context, []byte) (string, error) {
	return "", fmt.Errorf("%w: %w", ErrTranscriptionFailed, ErrDisabled)
}

// WhisperConfig configures a Whisper transcriber.
type WhisperConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	// Filename is sent with the upload; its extension tells the API the
	// container format.
	Filename   string
	MaxRetries int
}

// ApplyDefaults fills zero fields.
func (c *WhisperConfig) ApplyDefaults() {
	if c.Model == "" {
		c.Model = "whisper-1"
	}
	if c.Language == "" {
		c.Language = "ru"
	}
	if c.Filename == "" {
		c.Filename = "voice.ogg"
	}
}

// Whisper transcribes audio with the OpenAI audio API.
type Whisper struct {
	client openai.Client
	cfg    WhisperConfig
	logger *zap.Logger
}

// NewWhisper creates a Whisper transcriber.
func NewWhisper(cfg WhisperConfig, logger *zap.Logger) (*Whisper, error) {
	cfg.ApplyDefaults()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("transcription api key required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	logger.Info("whisper transcriber initialized",
		zap.String("model", cfg.Model),
		zap.String("language", cfg.Language))
	return &Whisper{client: openai.NewClient(opts...), cfg: cfg, logger: logger}, nil
}

// Transcribe implements Transcriber.
func (w *Whisper) Transcribe(ctx context.Context, audio []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "transcription.whisper")
	defer span.End()
	span.SetAttributes(
		attribute.Int("audio.bytes", len(audio)),
		attribute.String("model", w.cfg.Model),
	)

	if len(audio) == 0 {
		return "", fmt.Errorf("%w: empty audio", ErrTranscriptionFailed)
	}

	start := time.Now()
	resp, err := w.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:     openai.File(bytes.NewReader(audio), w.cfg.Filename, "audio/ogg"),
		Model:    openai.AudioModel(w.cfg.Model),
		Language: openai.String(w.cfg.Language),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription request failed")
		w.logger.Warn("transcription request failed", zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty transcript", ErrTranscriptionFailed)
	}
	w.logger.Debug("voice transcribed",
		zap.Int("chars", len([]rune(text))),
		zap.Duration("duration", time.Since(start)))
	return text, nil
}

// New creates the transcriber selected by cfg.Provider.
func New(cfg config.TranscriptionConfig, logger *zap.Logger) (Transcriber, error) {
	switch cfg.Provider {
	case "", "disabled":
		return Disabled{}, nil
	case "openai":
		w, err := NewWhisper(WhisperConfig{
			APIKey:     cfg.APIKey.Value(),
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Language:   cfg.Language,
			MaxRetries: 2,
		}, logger)
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unknown transcription provider: %s", cfg.Provider)
	}
}

var (
	_ Transcriber = Static{}
	_ Transcriber = Disabled{}
	_ Transcriber = (*Whisper)(nil)
)
