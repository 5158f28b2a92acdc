package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/truepast/truepast-backend/config"
)

// ErrSynthesis wraps every failure of the voice adapter. The adapter fails
// closed: on any error the output file is removed, never left behind as a
// usable artifact.
var ErrSynthesis = errors.New("voice synthesis failed")

// Audio is a synthesized narration track on disk with its measured duration.
type Audio struct {
	Path        string
	DurationSec float64
}

// Synthesizer turns script text into a narration audio track.
type Synthesizer interface {
	SynthesizeVoice(ctx context.Context, script string, outPath string) (*Audio, error)
}

// ElevenLabs synthesizes speech through the ElevenLabs text-to-speech API
// with a fixed voice identity and stability/similarity settings.
type ElevenLabs struct {
	cfg        *config.Config
	baseURL    string
	httpClient *http.Client
}

func NewElevenLabs(cfg *config.Config) *ElevenLabs {
	return &ElevenLabs{
		cfg:        cfg,
		baseURL:    "https://api.elevenlabs.io",
		httpClient: &http.Client{Timeout: cfg.VoiceTimeout()},
	}
}

// NewElevenLabsWithBaseURL is used by tests to point at a stub server.
func NewElevenLabsWithBaseURL(cfg *config.Config, baseURL string) *ElevenLabs {
	e := NewElevenLabs(cfg)
	e.baseURL = baseURL
	return e
}

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// SynthesizeVoice generates MP3 narration for the script, writes it to
// outPath and measures the real duration with ffprobe.
func (e *ElevenLabs) SynthesizeVoice(ctx context.Context, script string, outPath string) (*Audio, error) {
	apiKey := os.Getenv("ELEVENLABS_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("%w: ELEVENLABS_API_KEY not set", ErrSynthesis)
	}
	voiceID := os.Getenv("ELEVENLABS_VOICE_ID")
	if voiceID == "" {
		return nil, fmt.Errorf("%w: ELEVENLABS_VOICE_ID not set", ErrSynthesis)
	}

	reqBody := ttsRequest{
		Text:    script,
		ModelID: e.cfg.Voice.ModelID,
		VoiceSettings: voiceSettings{
			Stability:       e.cfg.Voice.Stability,
			SimilarityBoost: e.cfg.Voice.SimilarityBoost,
		},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrSynthesis, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.VoiceTimeout())
	defer cancel()

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", e.baseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	req.Header.Set("xi-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrSynthesis, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrSynthesis, outPath, err)
	}
	written, err := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if err != nil || closeErr != nil || written == 0 {
		os.Remove(outPath)
		return nil, fmt.Errorf("%w: write audio: copy=%v close=%v bytes=%d", ErrSynthesis, err, closeErr, written)
	}

	dur, err := ProbeDuration(outPath)
	if err != nil {
		os.Remove(outPath)
		return nil, fmt.Errorf("%w: measure duration: %v", ErrSynthesis, err)
	}

	return &Audio{Path: outPath, DurationSec: dur}, nil
}

// ProbeDuration uses ffprobe to get accurate media duration in seconds.
func ProbeDuration(path string) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0, err
	}
	var dur float64
	_, err = fmt.Sscanf(strings.TrimSpace(string(out)), "%f", &dur)
	return dur, err
}
