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

//go:build portaudio

package voicesession

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// PortaudioOutputDevice plays clips through a portaudio output stream.
// One clip plays at a time; Play hands the samples to a writer goroutine
// so the owning thread never blocks on device I/O.
type PortaudioOutputDevice struct {
	sampleRate int
	out        []int16
	stream     *portaudio.Stream
	started    bool
	playing    atomic.Bool
	stopped    atomic.Bool
	state      DeviceState
}

func NewPortaudioOutputDevice(sampleRate int) (*PortaudioOutputDevice, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultAudioSampleRate
	}
	d := &PortaudioOutputDevice{
		sampleRate: sampleRate,
		out:        make([]int16, 8192),
		state:      DeviceActive,
	}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(d.out), &d.out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceStartFailed, err)
	}
	d.stream = stream
	return d, nil
}

func (d *PortaudioOutputDevice) Play(clip *AudioClip) error {
	if d.state != DeviceActive {
		return ErrDeviceDisposed
	}
	if clip == nil || clip.Released() {
		return NewPlaybackDecodeError("cannot play nil or released clip")
	}
	if !d.started {
		if err := d.stream.Start(); err != nil {
			return fmt.Errorf("%w: %w", ErrDeviceStartFailed, err)
		}
		d.started = true
	}

	samples := clip.Samples()
	d.stopped.Store(false)
	d.playing.Store(true)
	go d.writeSamples(samples)
	return nil
}

func (d *PortaudioOutputDevice) writeSamples(samples AudioDataInt16) {
	defer d.playing.Store(false)

	for chunk := range slices.Chunk(samples, len(d.out)) {
		if d.stopped.Load() {
			return
		}
		copy(d.out, chunk)
		if len(chunk) < len(d.out) {
			clear(d.out[len(chunk):])
		}
		if err := d.stream.Write(); err != nil {
			// Output underflow is transient, keep going.
			if errors.Is(err, portaudio.OutputUnderflowed) {
				Logger().Debug("Audio output underflowed", "error", err)
				continue
			}
			Logger().Warn("Error writing output stream", "error", err)
			return
		}
	}
}

func (d *PortaudioOutputDevice) IsPlaying() bool {
	return d.playing.Load()
}

func (d *PortaudioOutputDevice) Stop() error {
	d.stopped.Store(true)
	return nil
}

func (d *PortaudioOutputDevice) State() DeviceState {
	return d.state
}

// Close stops playback and releases the output stream. The device cannot
// be reused afterwards.
func (d *PortaudioOutputDevice) Close() error {
	if d.state == DeviceDisposed {
		return nil
	}
	d.state = DeviceDisposed
	d.stopped.Store(true)

	var err error
	if d.started {
		if e := d.stream.Stop(); e != nil {
			err = errors.Join(err, fmt.Errorf("error stopping output stream: %w", e))
		}
	}
	if e := d.stream.Close(); e != nil {
		err = errors.Join(err, fmt.Errorf("error closing output stream: %w", e))
	}
	return err
}
