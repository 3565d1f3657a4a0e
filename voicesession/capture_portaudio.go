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
	"strings"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// UsingPortaudio initializes the portaudio library for the duration of fn.
func UsingPortaudio(fn func() error) (err error) {
	if err = portaudio.Initialize(); err != nil {
		return fmt.Errorf("error initializing portaudio: %w", err)
	}
	defer func() {
		if e := portaudio.Terminate(); e != nil {
			err = errors.Join(err, fmt.Errorf("error terminating portaudio: %w", e))
		}
	}()
	return fn()
}

// PortaudioCaptureDevice records from a portaudio input device into a
// rolling ring buffer. The portaudio callback thread writes samples and
// advances the position.
type PortaudioCaptureDevice struct {
	sampleRate int
	ring       []float32
	pos        atomic.Int64
	stream     *portaudio.Stream
	started    bool
}

// NewPortaudioCaptureDevice creates a capture device with a ring holding
// ringSeconds of audio at the given sample rate.
func NewPortaudioCaptureDevice(sampleRate, ringSeconds int) *PortaudioCaptureDevice {
	if sampleRate <= 0 {
		sampleRate = DefaultAudioSampleRate
	}
	if ringSeconds <= 0 {
		ringSeconds = 10
	}
	return &PortaudioCaptureDevice{
		sampleRate: sampleRate,
		ring:       make([]float32, sampleRate*ringSeconds),
	}
}

func (d *PortaudioCaptureDevice) Start(deviceHint string) error {
	if d.started {
		return nil
	}

	callback := func(in []float32) {
		pos := int(d.pos.Load())
		for _, v := range in {
			d.ring[pos] = v
			pos = (pos + 1) % len(d.ring)
		}
		d.pos.Store(int64(pos))
	}

	framesPerBuffer := d.sampleRate / 50 // 20ms

	var stream *portaudio.Stream
	var err error
	if deviceHint == "" {
		stream, err = portaudio.OpenDefaultStream(1, 0, float64(d.sampleRate), framesPerBuffer, callback)
	} else {
		var dev *portaudio.DeviceInfo
		dev, err = findInputDevice(deviceHint)
		if err != nil {
			return err
		}
		params := portaudio.LowLatencyParameters(dev, nil)
		params.Input.Channels = 1
		params.SampleRate = float64(d.sampleRate)
		params.FramesPerBuffer = framesPerBuffer
		stream, err = portaudio.OpenStream(params, callback)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceStartFailed, err)
	}

	if err = stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("%w: %w", ErrDeviceStartFailed, err)
	}
	d.stream = stream
	d.started = true
	return nil
}

func (d *PortaudioCaptureDevice) Stop() error {
	if !d.started {
		return nil
	}
	d.started = false
	err := d.stream.Stop()
	if e := d.stream.Close(); e != nil {
		err = errors.Join(err, e)
	}
	d.stream = nil
	if err != nil {
		return fmt.Errorf("error stopping capture stream: %w", err)
	}
	return nil
}

func (d *PortaudioCaptureDevice) Position() int {
	return int(d.pos.Load())
}

func (d *PortaudioCaptureDevice) Ring() []float32 {
	return d.ring
}

func findInputDevice(hint string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoDeviceAvailable, err)
	}
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(strings.ToLower(dev.Name), strings.ToLower(hint)) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("%w: no input device matching %q", ErrNoDeviceAvailable, hint)
}
