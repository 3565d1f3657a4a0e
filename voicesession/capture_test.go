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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCaptureDevice simulates a device ring buffer that the test advances
// manually.
type fakeCaptureDevice struct {
	ring     []float32
	pos      int
	startErr error
	started  bool
	stopped  bool
}

func newFakeCaptureDevice(ringLen int) *fakeCaptureDevice {
	return &fakeCaptureDevice{ring: make([]float32, ringLen)}
}

func (d *fakeCaptureDevice) Start(string) error {
	if d.startErr != nil {
		return d.startErr
	}
	d.started = true
	return nil
}

func (d *fakeCaptureDevice) Stop() error {
	d.stopped = true
	return nil
}

func (d *fakeCaptureDevice) Position() int { return d.pos }

func (d *fakeCaptureDevice) Ring() []float32 { return d.ring }

// record writes samples at the current position, wrapping at the ring end.
func (d *fakeCaptureDevice) record(samples []float32) {
	for _, v := range samples {
		d.ring[d.pos] = v
		d.pos = (d.pos + 1) % len(d.ring)
	}
}

func TestCaptureSourcePoll(t *testing.T) {
	device := newFakeCaptureDevice(16)
	source := NewCaptureSource(device, DefaultAudioSampleRate, DefaultAudioChannels)
	require.NoError(t, source.Start(""))

	device.record([]float32{0.5, -0.5, 1.0})

	chunks := source.Poll()
	require.Len(t, chunks, 1)
	samples := chunks[0].Samples()
	assert.Equal(t, AudioDataInt16{16383, -16383, 32767}, samples)
	assert.Equal(t, ChunkOriginCapture, chunks[0].Origin)

	// Nothing new recorded since the last poll
	assert.Empty(t, source.Poll())
}

func TestCaptureSourcePollWraparound(t *testing.T) {
	device := newFakeCaptureDevice(8)
	source := NewCaptureSource(device, DefaultAudioSampleRate, DefaultAudioChannels)
	require.NoError(t, source.Start(""))

	// Fill most of the ring, drain it
	device.record(make([]float32, 6))
	require.Len(t, source.Poll(), 1)

	// Record across the ring boundary
	device.record([]float32{0.1, 0.2, 0.3, 0.4})
	chunks := source.Poll()
	require.Len(t, chunks, 1)

	samples := chunks[0].Samples()
	require.Len(t, samples, 4)
	expected := AudioDataFloat32{0.1, 0.2, 0.3, 0.4}.Int16()
	assert.Equal(t, expected, samples)
}

func TestCaptureSourceChunkCallback(t *testing.T) {
	device := newFakeCaptureDevice(16)
	source := NewCaptureSource(device, DefaultAudioSampleRate, DefaultAudioChannels)

	var received []AudioChunk
	source.SetChunkCallback(func(c AudioChunk) { received = append(received, c) })

	require.NoError(t, source.Start(""))
	device.record([]float32{0.5})
	source.Poll()

	require.Len(t, received, 1)
	assert.Equal(t, AudioDataInt16{16383}, received[0].Samples())
}

func TestCaptureSourceStartErrors(t *testing.T) {
	t.Run("nil device", func(t *testing.T) {
		source := NewCaptureSource(nil, 0, 0)
		err := source.Start("")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoDeviceAvailable))
	})

	t.Run("device start failure", func(t *testing.T) {
		device := newFakeCaptureDevice(8)
		device.startErr = errors.New("device busy")
		source := NewCaptureSource(device, 0, 0)
		err := source.Start("")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDeviceStartFailed))
	})

	t.Run("no device available passthrough", func(t *testing.T) {
		device := newFakeCaptureDevice(8)
		device.startErr = ErrNoDeviceAvailable
		source := NewCaptureSource(device, 0, 0)
		err := source.Start("")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoDeviceAvailable))
	})
}

func TestCaptureSourceStop(t *testing.T) {
	device := newFakeCaptureDevice(8)
	source := NewCaptureSource(device, 0, 0)
	require.NoError(t, source.Start(""))
	assert.True(t, source.Active())

	source.Stop()
	assert.False(t, source.Active())
	assert.True(t, device.stopped)

	// Polling an inactive source yields nothing
	device.record([]float32{0.5})
	assert.Empty(t, source.Poll())
}
