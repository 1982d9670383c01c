package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taleweave/taleweave-core/internal/config"
)

var (
	// ErrEmptyAudio reports a response whose decoded payload is missing
	// or implausibly small for real speech.
	ErrEmptyAudio = errors.New("tts: empty or undersized audio payload")
)

type synthesizeRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
}

type synthesizeResponse struct {
	AudioContent string `json:"audio_content"`
}

// HTTPClient calls the external speech-synthesis service: a POST of
// {text, voice_id} answered with a base64-encoded audio payload.
type HTTPClient struct {
	cfg    config.TTSConfig
	client *http.Client
}

func NewHTTPClient(cfg config.TTSConfig) *HTTPClient {
	return &HTTPClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
	}
}

func (c *HTTPClient) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if voice == "" {
		voice = c.cfg.DefaultVoice
	}
	body, err := json.Marshal(synthesizeRequest{Text: text, VoiceID: voice})
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("synthesis service returned %d: %s", resp.StatusCode, snippet)
	}

	var decoded synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode synthesis response: %w", err)
	}
	if decoded.AudioContent == "" {
		return nil, ErrEmptyAudio
	}
	audio, err := base64.StdEncoding.DecodeString(decoded.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	if len(audio) < c.cfg.MinAudioBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrEmptyAudio, len(audio))
	}
	return audio, nil
}
