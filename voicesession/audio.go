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
	"encoding/binary"
	"math"
)

const (
	DefaultAudioSampleRate = 24000
	DefaultAudioChannels   = 1
)

type AudioData interface {
	Len() int
	Bytes() []byte
	Int16() AudioDataInt16
}

// AudioDataInt16 is linear PCM16 audio: 16-bit signed samples,
// serialized little-endian.
type AudioDataInt16 []int16

func (d AudioDataInt16) Len() int { return len(d) }

func (d AudioDataInt16) Bytes() []byte {
	b := make([]byte, len(d)*2)
	for i, v := range d {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func (d AudioDataInt16) Int16() AudioDataInt16 { return d }

func (d AudioDataInt16) Float32() AudioDataFloat32 {
	result := make(AudioDataFloat32, len(d))
	for i, v := range d {
		result[i] = float32(v) / 32767
	}
	return result
}

// AudioDataFloat32 is linear audio with floating-point amplitude
// in [-1.0, 1.0].
type AudioDataFloat32 []float32

func (d AudioDataFloat32) Len() int { return len(d) }

func (d AudioDataFloat32) Bytes() []byte {
	b := make([]byte, 4*len(d))
	for i, v := range d {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// Int16 converts to PCM16 by clamping each sample to [-1.0, 1.0] and
// scaling by the maximum signed 16-bit magnitude.
func (d AudioDataFloat32) Int16() AudioDataInt16 {
	result := make(AudioDataInt16, len(d))
	for i, v := range d {
		result[i] = int16(min(1, max(-1, v)) * 32767)
	}
	return result
}

// PCM16FromBytes decodes little-endian PCM16 bytes into samples.
// An odd trailing byte is dropped.
func PCM16FromBytes(b []byte) AudioDataInt16 {
	result := make(AudioDataInt16, len(b)/2)
	for i := range result {
		result[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return result
}

// ChunkOrigin tags an AudioChunk with the side of the pipeline that
// produced it.
type ChunkOrigin byte

const (
	ChunkOriginCapture ChunkOrigin = iota + 1
	ChunkOriginPlayback
)

// AudioChunk is an immutable buffer of PCM16 audio at a fixed sample rate
// and channel count. It is created once and consumed exactly once, either
// by the transport send path or by the playback sink.
type AudioChunk struct {
	Data       []byte
	SampleRate int
	Channels   int
	Origin     ChunkOrigin
}

func (c AudioChunk) Samples() AudioDataInt16 {
	return PCM16FromBytes(c.Data)
}
