package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lexiqai/voice-session/internal/config"
	"github.com/lexiqai/voice-session/internal/resilience"
)

const cartesiaReadSize = 4800

// CartesiaClient implements Synthesizer using Cartesia's /tts/bytes endpoint
type CartesiaClient struct {
	apiKey     string
	baseURL    string
	version    string
	modelID    string
	voiceID    string
	sampleRate int
	httpClient *http.Client
}

// CartesiaRequest represents the request payload for Cartesia TTS API
type CartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        CartesiaVoice        `json:"voice"`
	OutputFormat CartesiaOutputFormat `json:"output_format"`
}

// CartesiaVoice selects a voice by id
type CartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

// CartesiaOutputFormat requests raw PCM so no container parsing is needed
type CartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg *config.Config, httpClient *http.Client) *CartesiaClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &CartesiaClient{
		apiKey:     cfg.CartesiaAPIKey,
		baseURL:    strings.TrimRight(cfg.CartesiaBaseURL, "/"),
		version:    cfg.CartesiaVersion,
		modelID:    cfg.CartesiaModelID,
		voiceID:    cfg.CartesiaVoiceID,
		sampleRate: cfg.CartesiaSampleRate,
		httpClient: httpClient,
	}
}

// SampleRate returns the rate of the PCM this client produces
func (c *CartesiaClient) SampleRate() int {
	return c.sampleRate
}

// Synthesize streams raw PCM16LE audio for text. An empty voice uses the configured default.
func (c *CartesiaClient) Synthesize(ctx context.Context, text, voice string, onAudio func([]byte) error) error {
	if voice == "" {
		voice = c.voiceID
	}

	reqBody := CartesiaRequest{
		ModelID:    c.modelID,
		Transcript: text,
		Voice:      CartesiaVoice{Mode: "id", ID: voice},
		OutputFormat: CartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.sampleRate,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", c.version)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resilience.IsRetryableHTTPStatus(resp.StatusCode) {
			return resilience.NewRetryableError(err)
		}
		return err
	}

	return streamPCM(resp.Body, onAudio)
}

// streamPCM forwards the body in sample-aligned blocks.
func streamPCM(r io.Reader, onAudio func([]byte) error) error {
	buf := make([]byte, cartesiaReadSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			aligned := len(data) &^ 1
			if aligned > 0 {
				out := make([]byte, aligned)
				copy(out, data[:aligned])
				if cbErr := onAudio(out); cbErr != nil {
					return cbErr
				}
			}
			carry = append([]byte(nil), data[aligned:]...)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read audio: %w", err)
		}
	}
}
