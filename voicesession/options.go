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

// ConnectionMode selects how the session reaches the model.
type ConnectionMode byte

const (
	// ModeDirect talks to a model deployment directly.
	ModeDirect ConnectionMode = iota + 1

	// ModeAgent talks to a configured agent which mediates the model.
	ModeAgent
)

// ConnectionOptions is the already-validated, opaque configuration the
// orchestrator needs to open a session. The application-level schema
// behind it is out of scope here.
type ConnectionOptions struct {
	// Endpoint of the realtime service, e.g. "wss://example.invalid/v1/realtime".
	Endpoint string

	APIKey string

	Mode ConnectionMode

	// Model deployment name. Required in ModeDirect.
	Model string

	// ProjectName and AgentID identify the mediating agent.
	// Both are required in ModeAgent.
	ProjectName string
	AgentID     string

	// Voice optionally selects the response voice.
	Voice string

	// SampleRate of both capture and playback audio.
	// Defaults to DefaultAudioSampleRate.
	SampleRate int

	// Channels of the audio format. Defaults to DefaultAudioChannels.
	Channels int

	// EnableAvatar attaches the secondary avatar media stream when the
	// session reports negotiation capability.
	EnableAvatar bool

	// CaptureDeviceHint optionally selects a specific capture device.
	CaptureDeviceHint string

	// TurnDetection optionally overrides the server-side turn detection
	// configuration. The body is passed through opaque.
	TurnDetection map[string]any
}

// Validate checks configuration completeness. It runs before any network
// action.
func (o ConnectionOptions) Validate() error {
	if o.Endpoint == "" {
		return NewConfigError("missing endpoint")
	}
	if o.APIKey == "" {
		return NewConfigError("missing API key")
	}
	switch o.Mode {
	case ModeDirect:
		if o.Model == "" {
			return NewConfigError("missing model for direct-model mode")
		}
	case ModeAgent:
		if o.ProjectName == "" || o.AgentID == "" {
			return NewConfigError("missing project name or agent ID for agent mode")
		}
	default:
		return ConfigErrorf("invalid connection mode %d", o.Mode)
	}
	if o.SampleRate < 0 || o.Channels < 0 {
		return ConfigErrorf("invalid audio format: sample rate %d, channels %d", o.SampleRate, o.Channels)
	}
	return nil
}
