// Package deepgram implements the speech synthesis collaborator on top of
// Deepgram's REST speak API.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/viewmate-ai/viewmate-core/core/audio"
	"github.com/viewmate-ai/viewmate-core/core/texttospeech"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type deepgramVoice string

const (
	VoiceAuraAsteria deepgramVoice = "aura-2-asteria-en"
	VoiceAuraThalia  deepgramVoice = "aura-2-thalia-en"
	VoiceAuraOrion   deepgramVoice = "aura-2-orion-en"
	VoiceAuraArcas   deepgramVoice = "aura-2-arcas-en"
)

const defaultVoice = VoiceAuraAsteria

func GetAvailableVoices() []deepgramVoice {
	return []deepgramVoice{VoiceAuraAsteria, VoiceAuraThalia, VoiceAuraOrion, VoiceAuraArcas}
}

type SynthesisClient struct {
	httpClient *http.Client
	voice      deepgramVoice
	encoding   audio.EncodingInfo
}

func NewSynthesisClient(voice deepgramVoice, opts ...texttospeech.SynthesisOption) (*SynthesisClient, error) {
	options := texttospeech.SynthesisOptions{
		EncodingInfo: audio.GetPlaybackEncodingInfo(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	if !slices.Contains(GetAvailableVoices(), voice) {
		return nil, fmt.Errorf("invalid voice")
	}

	return &SynthesisClient{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
		voice:    voice,
		encoding: options.EncodingInfo,
	}, nil
}

// Synthesize renders one speakable unit to PCM. Each call is an independent
// request so the delivery queue can run several fetches concurrently.
func (c *SynthesisClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	apiKey, ok := os.LookupEnv("DEEPGRAM_API_KEY")
	if !ok {
		return nil, fmt.Errorf("deepgram api key not found")
	}

	urlValues := url.Values{}
	urlValues.Set("model", string(c.voice))
	urlValues.Set("encoding", c.encoding.Format.Name())
	urlValues.Set("sample_rate", strconv.Itoa(c.encoding.SampleRate))
	urlValues.Set("container", "none")

	speakUrl := url.URL{
		Scheme: "https",
		Host:   "api.deepgram.com", Path: "/v1/speak",
		RawQuery: urlValues.Encode(),
	}

	payload, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode speak request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, speakUrl.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build speak request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call deepgram speak: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("deepgram speak returned %d: %s", resp.StatusCode, string(message))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read synthesized audio: %w", err)
	}

	return pcm, nil
}

func (c *SynthesisClient) EncodingInfo() audio.EncodingInfo {
	return c.encoding
}
