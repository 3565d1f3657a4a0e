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
	"github.com/nlpodyssey/voicesession-go/asyncqueue"
)

// playbackConvertBatch caps how many staged chunks a single Tick converts
// to playable clips, so a large backlog cannot starve other per-tick work.
const playbackConvertBatch = 10

// DeviceState is the explicit lifecycle state of an output device handle.
// Every operation checks it instead of relying on implicit liveness of a
// disposed handle.
type DeviceState byte

const (
	DeviceActive DeviceState = iota + 1
	DeviceDisposed
)

// OutputDevice plays audio clips. All methods are owning-thread only.
type OutputDevice interface {
	// Play begins playback of the clip. It returns ErrDeviceDisposed
	// (possibly wrapped) when the device handle has been released.
	Play(clip *AudioClip) error

	IsPlaying() bool

	Stop() error

	State() DeviceState
}

// PlaybackSink accepts raw PCM16 chunks from any thread and plays them in
// strict FIFO order. Raw chunks are only staged on arrival; conversion to
// playable clips happens inside Tick, because clip construction is
// owning-thread only. This staging/draining split is the sink's core
// invariant.
type PlaybackSink struct {
	device  OutputDevice
	staging *asyncqueue.Queue[AudioChunk]
	ready   []*AudioClip
}

func NewPlaybackSink(device OutputDevice) *PlaybackSink {
	return &PlaybackSink{
		device:  device,
		staging: asyncqueue.New[AudioChunk](),
	}
}

// EnqueueRaw stages a PCM16 chunk for playback. Safe to call from any
// thread. Malformed input is dropped with a warning, not propagated: a
// single bad chunk must not halt the pipeline.
func (p *PlaybackSink) EnqueueRaw(data []byte, sampleRate, channels int) {
	if len(data) == 0 {
		Logger().Warn("Dropping empty audio chunk")
		return
	}
	if len(data)%2 != 0 {
		Logger().Warn("Dropping malformed PCM16 chunk", "len", len(data))
		return
	}
	if sampleRate <= 0 || channels <= 0 {
		Logger().Warn("Dropping audio chunk with invalid format",
			"sampleRate", sampleRate, "channels", channels)
		return
	}
	p.staging.Put(AudioChunk{
		Data:       data,
		SampleRate: sampleRate,
		Channels:   channels,
		Origin:     ChunkOriginPlayback,
	})
}

// EnqueueReady appends an already-built clip to the ready queue.
// Owning thread only.
func (p *PlaybackSink) EnqueueReady(clip *AudioClip) {
	if clip == nil || clip.Released() {
		Logger().Warn("Dropping nil or released audio clip")
		return
	}
	p.ready = append(p.ready, clip)
}

// Tick drains at most playbackConvertBatch staged chunks into playable
// clips and starts playback of the queue head when the device is idle.
// Owning thread only; call every frame.
func (p *PlaybackSink) Tick() {
	for range playbackConvertBatch {
		chunk, ok := p.staging.GetNoWait()
		if !ok {
			break
		}
		clip, err := newAudioClip(chunk.Samples(), chunk.SampleRate, chunk.Channels)
		if err != nil {
			Logger().Warn("Dropping undecodable audio chunk", "error", err)
			continue
		}
		p.ready = append(p.ready, clip)
	}

	if p.device == nil || p.device.State() != DeviceActive {
		return
	}
	// Auto-play: when nothing is playing and clips are queued, start the
	// head. When playback finishes mid-frame we do not advance until the
	// next tick observes the idle condition.
	if !p.device.IsPlaying() && len(p.ready) > 0 {
		clip := p.ready[0]
		p.ready[0] = nil
		p.ready = p.ready[1:]
		if err := p.device.Play(clip); err != nil {
			Logger().Warn("Error starting clip playback", "error", err)
		}
	}
}

// Clear discards both the staged and the ready queues, releasing clip
// resources held by queued-but-unplayed items. It does not stop a clip
// currently mid-playback; combine with an explicit device Stop for that.
func (p *PlaybackSink) Clear() {
	dropped := p.staging.Clear()
	for _, clip := range p.ready {
		clip.Release()
	}
	p.ready = nil
	if dropped > 0 {
		Logger().Debug("Cleared staged playback chunks", "count", dropped)
	}
}

// IsActive reports whether audio is playing or queued.
func (p *PlaybackSink) IsActive() bool {
	if p.device != nil && p.device.State() == DeviceActive && p.device.IsPlaying() {
		return true
	}
	return len(p.ready) > 0 || !p.staging.IsEmpty()
}

// ReadyLen is the number of converted clips awaiting playback.
func (p *PlaybackSink) ReadyLen() int { return len(p.ready) }

// StagedLen is the number of raw chunks awaiting conversion.
func (p *PlaybackSink) StagedLen() int { return p.staging.Len() }
