package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"beacon/pkg/config"
)

const requestTimeout = 30 * time.Second

type synthesizer interface {
	Synthesize(ctx context.Context, text string, speed float64) ([]byte, error)
}

// OpenAISpeaker synthesizes speech with the OpenAI audio API, writes the clip
// to OutputDir and optionally hands it to a player command.
//
// Calls are serialized. An interrupting call cancels the clip in progress.
type OpenAISpeaker struct {
	synth     synthesizer
	rate      float64
	outputDir string
	player    []string
	log       *slog.Logger

	turn sync.Mutex

	mu      sync.Mutex
	current context.CancelFunc
	seq     uint64
}

// NewOpenAI builds a speaker from config. The API key is read from the env var
// named by api_key_env, falling back to OPENAI_API_KEY.
func NewOpenAI(cfg config.SpeechConfig, log *slog.Logger) (*OpenAISpeaker, error) {
	apiKey := resolveAPIKey(cfg)
	if apiKey == "" {
		return nil, errors.New("speech.api_key_env is required or OPENAI_API_KEY must be set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithRequestTimeout(requestTimeout)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	synth := &openAISynth{
		client: osdk.NewClient(opts...),
		model:  strings.TrimSpace(cfg.Model),
		voice:  strings.TrimSpace(cfg.Voice),
	}
	return newSpeaker(synth, cfg, log), nil
}

func newSpeaker(synth synthesizer, cfg config.SpeechConfig, log *slog.Logger) *OpenAISpeaker {
	if log == nil {
		log = slog.Default()
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join(os.TempDir(), "beacon-speech")
	}
	return &OpenAISpeaker{
		synth:     synth,
		rate:      cfg.Rate,
		outputDir: outputDir,
		player:    strings.Fields(cfg.Player),
		log:       log.With("component", "speech.openai"),
	}
}

func (s *OpenAISpeaker) Speak(ctx context.Context, text string, priority Priority, interrupt bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if interrupt {
		s.mu.Lock()
		if s.current != nil {
			s.current()
		}
		s.mu.Unlock()
	}

	s.turn.Lock()
	defer s.turn.Unlock()

	clipCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.current = cancel
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.seq == seq {
			s.current = nil
		}
		s.mu.Unlock()
		cancel()
	}()

	startedAt := time.Now()
	audio, err := s.synth.Synthesize(clipCtx, text, rateFor(s.rate, priority))
	if err != nil {
		return fmt.Errorf("synthesize speech: %w", err)
	}

	path, err := s.writeClip(seq, audio)
	if err != nil {
		return err
	}
	s.log.Debug("Speech clip ready", "path", path, "priority", priority, "duration_ms", time.Since(startedAt).Milliseconds())

	if len(s.player) == 0 {
		return nil
	}

	args := append(append([]string{}, s.player[1:]...), path)
	cmd := exec.CommandContext(clipCtx, s.player[0], args...)
	if err := cmd.Run(); err != nil {
		if clipCtx.Err() != nil {
			s.log.Debug("Speech interrupted", "path", path)
			return nil
		}
		return fmt.Errorf("play speech clip: %w", err)
	}
	return nil
}

func (s *OpenAISpeaker) writeClip(seq uint64, audio []byte) (string, error) {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create speech output dir: %w", err)
	}
	path := filepath.Join(s.outputDir, fmt.Sprintf("speech-%d-%d.mp3", time.Now().UnixMilli(), seq))
	if err := os.WriteFile(path, audio, 0o600); err != nil {
		return "", fmt.Errorf("write speech clip: %w", err)
	}
	return path, nil
}

type openAISynth struct {
	client osdk.Client
	model  string
	voice  string
}

func (o *openAISynth) Synthesize(ctx context.Context, text string, speed float64) ([]byte, error) {
	resp, err := o.client.Audio.Speech.New(ctx, osdk.AudioSpeechNewParams{
		Input:          text,
		Model:          osdk.SpeechModel(o.model),
		ResponseFormat: osdk.AudioSpeechNewParamsResponseFormatMP3,
		Speed:          osdk.Float(speed),
	}, option.WithJSONSet("voice", o.voice))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech response: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("empty speech response")
	}
	return audio, nil
}

func resolveAPIKey(cfg config.SpeechConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}
