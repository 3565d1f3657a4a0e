// Copyright 2025 The NLP Odyssey Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package voicesession

import (
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/nlpodyssey/voicesession-go/util"
)

// AudioClip is a play-ready audio unit: PCM16 samples together with their
// WAV encoding. Clips are constructed on the owning thread only; see
// PlaybackSink.
type AudioClip struct {
	samples    AudioDataInt16
	wavData    []byte
	sampleRate int
	channels   int
	released   bool
}

// newAudioClip builds a playable clip from PCM16 samples.
func newAudioClip(samples AudioDataInt16, sampleRate, channels int) (*AudioClip, error) {
	if len(samples) == 0 {
		return nil, NewPlaybackDecodeError("empty audio buffer")
	}
	if sampleRate <= 0 || channels <= 0 {
		return nil, PlaybackDecodeErrorf("invalid audio format: sample rate %d, channels %d", sampleRate, channels)
	}

	var wavBuf util.WriteSeekerBuffer
	enc := wav.NewEncoder(
		&wavBuf,
		sampleRate,
		16,
		channels,
		1, // PCM
	)

	intData := make([]int, len(samples))
	for i, v := range samples {
		intData[i] = int(v)
	}

	err := enc.Write(&audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           intData,
		SourceBitDepth: 16,
	})
	if err != nil {
		return nil, PlaybackDecodeErrorf("error writing WAV data: %w", err)
	}
	if err = enc.Close(); err != nil {
		return nil, PlaybackDecodeErrorf("error closing WAV encoder: %w", err)
	}

	return &AudioClip{
		samples:    samples,
		wavData:    wavBuf.Bytes(),
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

func (c *AudioClip) Samples() AudioDataInt16 { return c.samples }

// WAV returns the clip serialized as a WAV file.
func (c *AudioClip) WAV() []byte { return c.wavData }

func (c *AudioClip) SampleRate() int { return c.sampleRate }

func (c *AudioClip) Channels() int { return c.channels }

func (c *AudioClip) Duration() time.Duration {
	if c.sampleRate <= 0 || c.channels <= 0 {
		return 0
	}
	frames := len(c.samples) / c.channels
	return time.Duration(frames) * time.Second / time.Duration(c.sampleRate)
}

// Release frees the clip's buffers. A released clip must not be played.
func (c *AudioClip) Release() {
	c.samples = nil
	c.wavData = nil
	c.released = true
}

func (c *AudioClip) Released() bool { return c.released }
