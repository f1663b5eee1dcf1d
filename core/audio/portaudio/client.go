//go:build cgo

// Package portaudio is an alternative audio backend for hosts where
// miniaudio is unavailable. It exposes the same capture/playback surface as
// the miniaudio client.
package portaudio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/viewmate-ai/viewmate-core/core/audio"
)

type Client struct {
	bufferSize int

	captureStream  *portaudio.Stream
	playbackStream *portaudio.Stream

	leftoverAudio []byte

	in  []int16
	out []int16

	capturing atomic.Bool
}

func NewClient(bufferSize int) (*Client, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	in := make([]int16, bufferSize)
	captureStream, err := portaudio.OpenDefaultStream(1, 0, audio.DefaultSampleRate, bufferSize, in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("failed to open capture stream: %w", err)
	}

	out := make([]int16, bufferSize)
	playbackStream, err := portaudio.OpenDefaultStream(0, 1, audio.PlaybackSampleRate, bufferSize, out)
	if err != nil {
		_ = captureStream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("failed to open playback stream: %w", err)
	}

	if err := playbackStream.Start(); err != nil {
		_ = captureStream.Close()
		_ = playbackStream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("failed to start playback stream: %w", err)
	}

	return &Client{
		bufferSize:     bufferSize,
		captureStream:  captureStream,
		playbackStream: playbackStream,
		in:             in,
		out:            out,
	}, nil
}

func (c *Client) StartCapture(ctx context.Context, onAudio func(audio []byte)) error {
	if !c.capturing.CompareAndSwap(false, true) {
		return nil
	}

	if err := c.captureStream.Start(); err != nil {
		c.capturing.Store(false)
		return fmt.Errorf("failed to start capture stream: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.capturing.Store(false)
				return
			default:
			}
			if !c.capturing.Load() {
				return
			}

			if err := c.captureStream.Read(); err != nil {
				log.Printf("Failed to read from capture stream: %v", err)
				continue
			}

			audioBuffer := bytes.Buffer{}
			binary.Write(&audioBuffer, binary.LittleEndian, c.in)
			onAudio(audioBuffer.Bytes())
		}
	}()

	return nil
}

func (c *Client) StopCapture() error {
	if !c.capturing.CompareAndSwap(true, false) {
		return nil
	}
	if err := c.captureStream.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture stream: %w", err)
	}
	return nil
}

func (c *Client) WriteFrame(pcm []byte) error {
	bufferSize := c.bufferSize * 2

	pcm = append(c.leftoverAudio, pcm...)
	for i := range len(pcm)/bufferSize + 1 {
		if (i+1)*bufferSize > len(pcm) {
			c.leftoverAudio = make([]byte, len(pcm)-i*bufferSize)
			copy(c.leftoverAudio, pcm[i*bufferSize:])
			break
		}

		binary.Read(bytes.NewBuffer(pcm[i*bufferSize:(i+1)*bufferSize]), binary.LittleEndian, c.out)
		c.playbackStream.Write()
	}

	return nil
}

func (c *Client) Flush() {
	c.leftoverAudio = nil
}

func (c *Client) Close() error {
	c.capturing.Store(false)
	_ = c.captureStream.Close()
	_ = c.playbackStream.Close()
	return portaudio.Terminate()
}

func (c *Client) CaptureEncodingInfo() audio.EncodingInfo {
	return audio.GetDefaultEncodingInfo()
}

func (c *Client) PlaybackEncodingInfo() audio.EncodingInfo {
	return audio.GetPlaybackEncodingInfo()
}
