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
	"cmp"
	"errors"
)

// CaptureDevice is a microphone-like device that continuously samples
// into a rolling buffer. The device callback thread writes samples and
// advances the position; Ring and Position are safe to call from the
// owning thread at any time.
type CaptureDevice interface {
	// Start opens the device. deviceHint optionally selects a specific
	// device; an empty hint means the default device. Start returns
	// ErrNoDeviceAvailable when no capture device is present and
	// ErrDeviceStartFailed when the device cannot be opened.
	Start(deviceHint string) error

	Stop() error

	// Position is the write position within the ring, in samples.
	// It wraps at the ring length.
	Position() int

	// Ring is the rolling sample buffer the device records into.
	Ring() []float32
}

// CaptureSource reads new samples from a capture device once per
// owning-thread tick and emits fixed-format mono PCM16 chunks.
type CaptureSource struct {
	device     CaptureDevice
	sampleRate int
	channels   int
	active     bool
	lastPos    int
	onChunk    func(AudioChunk)
}

func NewCaptureSource(device CaptureDevice, sampleRate, channels int) *CaptureSource {
	return &CaptureSource{
		device:     device,
		sampleRate: cmp.Or(sampleRate, DefaultAudioSampleRate),
		channels:   cmp.Or(channels, DefaultAudioChannels),
	}
}

// SetChunkCallback registers a callback invoked synchronously within
// Poll for each emitted chunk, i.e. on the owning thread.
func (s *CaptureSource) SetChunkCallback(fn func(AudioChunk)) {
	s.onChunk = fn
}

func (s *CaptureSource) Active() bool { return s.active }

func (s *CaptureSource) Start(deviceHint string) error {
	if s.active {
		return nil
	}
	if s.device == nil {
		return CaptureErrorf("%w", ErrNoDeviceAvailable)
	}
	if err := s.device.Start(deviceHint); err != nil {
		if errors.Is(err, ErrNoDeviceAvailable) || errors.Is(err, ErrDeviceStartFailed) {
			return CaptureErrorf("%w", err)
		}
		return CaptureErrorf("%w: %w", ErrDeviceStartFailed, err)
	}
	s.lastPos = s.device.Position()
	s.active = true
	return nil
}

func (s *CaptureSource) Stop() {
	if !s.active {
		return
	}
	s.active = false
	if err := s.device.Stop(); err != nil {
		Logger().Warn("Error stopping capture device", "error", err)
	}
}

// Poll reads the samples recorded since the previous call and returns
// them as zero or more chunks. Owning thread only; call once per tick
// while active.
func (s *CaptureSource) Poll() []AudioChunk {
	if !s.active {
		return nil
	}

	ring := s.device.Ring()
	if len(ring) == 0 {
		return nil
	}

	pos := s.device.Position()
	// The write position wraps, so the available count is computed modulo
	// the ring length instead of assuming a monotonic position.
	avail := pos - s.lastPos
	if avail < 0 {
		avail += len(ring)
	}
	if avail == 0 {
		return nil
	}

	samples := make(AudioDataFloat32, avail)
	for i := range samples {
		samples[i] = ring[(s.lastPos+i)%len(ring)]
	}
	s.lastPos = pos

	chunk := AudioChunk{
		Data:       samples.Int16().Bytes(),
		SampleRate: s.sampleRate,
		Channels:   s.channels,
		Origin:     ChunkOriginCapture,
	}
	if s.onChunk != nil {
		s.onChunk(chunk)
	}
	return []AudioChunk{chunk}
}
