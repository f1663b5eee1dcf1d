//go:build cgo

package miniaudio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/viewmate-ai/viewmate-core/core/audio"
)

// playbackClient feeds a malgo playback device from an append-only byte
// buffer. The device callback drains the buffer at the hardware rate and
// pads with silence when it runs dry, so writes are contiguous by
// construction and a late write simply resumes after the padded silence.
type playbackClient struct {
	audioContext *malgo.AllocatedContext
	device       *malgo.Device
	config       malgo.DeviceConfig

	pending []byte

	mu      sync.Mutex
	audioMu sync.Mutex
}

func (c *playbackClient) Init(audioContext *malgo.AllocatedContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sampleRate := uint32(audio.PlaybackSampleRate)
	channels := 1
	format := malgo.FormatS16

	c.config = malgo.DefaultDeviceConfig(malgo.Playback)
	c.config.SampleRate = sampleRate
	c.config.Playback.Format = format
	c.config.Playback.Channels = uint32(channels)
	c.config.Alsa.NoMMap = 1
	c.config.PeriodSizeInFrames = sampleRate / 10 // ~100ms of audio
	c.config.Periods = 4

	c.audioContext = audioContext

	var err error
	if c.device, err = malgo.InitDevice(
		c.audioContext.Context,
		c.config,
		malgo.DeviceCallbacks{Data: c.processAudio()},
	); err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}

	return nil
}

func (c *playbackClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	} else if c.device.IsStarted() {
		return nil
	}

	if err := c.device.Start(); err != nil {
		return fmt.Errorf("failed to start playback device: %w", err)
	}

	return nil
}

func (c *playbackClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	} else if !c.device.IsStarted() {
		return nil
	}

	if err := c.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop playback device: %w", err)
	}

	c.Flush()
	return nil
}

// WriteFrame appends PCM bytes behind whatever is already queued.
func (c *playbackClient) WriteFrame(pcm []byte) error {
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	} else if !c.device.IsStarted() {
		return fmt.Errorf("device not started")
	}

	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	c.pending = append(c.pending, pcm...)
	return nil
}

// Flush drops queued audio that has not reached the device yet.
func (c *playbackClient) Flush() {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	c.pending = nil
}

// BufferedBytes reports how much queued audio is still waiting for the
// device.
func (c *playbackClient) BufferedBytes() int {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	return len(c.pending)
}

func (c *playbackClient) Uninit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device == nil {
		return fmt.Errorf("device not initialized")
	}

	c.device.Uninit()
	c.device = nil

	return nil
}

func (c *playbackClient) processAudio() malgo.DataProc {
	return func(pOutput, _ []byte, frameCount uint32) {
		c.audioMu.Lock()
		defer c.audioMu.Unlock()

		if len(c.pending) == 0 {
			// Leaving pOutput zeroed plays silence.
			return
		}

		n := copy(pOutput, c.pending)
		if n == len(c.pending) {
			c.pending = nil
			return
		}
		c.pending = c.pending[n:]
	}
}
