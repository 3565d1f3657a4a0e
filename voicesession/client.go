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

import "context"

// SessionHandlers is the callback set a session invokes for inbound
// protocol events. Callbacks run on arbitrary background threads; they
// must only enqueue work for the owning thread, never touch device or
// output state directly. Each kind is registered at most once per
// handler set; a nil callback means the event is ignored.
type SessionHandlers struct {
	// OnAudioDelta delivers a decoded chunk of response audio (PCM16).
	OnAudioDelta func(data []byte)

	// OnTranscription delivers the transcription of the user's speech.
	OnTranscription func(text string)

	// OnResponseItemDone delivers a completed response item.
	OnResponseItemDone func(role, text string)

	OnSessionCreated func()

	OnSessionUpdated func(info SessionInfo)

	// OnAvatarAnswer delivers the remote SDP answer for the avatar
	// stream negotiation.
	OnAvatarAnswer func(sdp string)

	OnError func(code, message string)
}

// SessionInfo describes the negotiated session as reported by the server.
type SessionInfo struct {
	ID         string
	Model      string
	SampleRate int

	// Avatar is non-nil when the secondary avatar media stream is
	// available for this session.
	Avatar *AvatarConnectionInfo
}

// AvatarConnectionInfo is the negotiation-capability block of a session:
// a non-empty ICE server list means the avatar stream can be attached.
type AvatarConnectionInfo struct {
	ICEServers []ICEServer
}

// RealtimeSession is one open protocol conversation. Send methods are
// safe to call from any goroutine.
type RealtimeSession interface {
	// AddHandler registers an additional handler set. Events received
	// after registration are dispatched to it.
	AddHandler(h SessionHandlers)

	SendUserText(msg string) error

	// SendInputAudio streams one chunk of captured PCM16 audio.
	SendInputAudio(data []byte) error

	// CreateResponse asks the model to respond to the conversation so far.
	CreateResponse() error

	// ClearAudioQueue discards server-side audio not yet delivered.
	ClearAudioQueue() error

	// SendAvatarOffer transmits the local SDP offer for the avatar
	// stream negotiation.
	SendAvatarOffer(sdp string) error

	// Dispose closes the session and releases its transport.
	Dispose() error

	// DisposeAsync closes the session without blocking the caller.
	// Teardown errors are logged and swallowed.
	DisposeAsync()
}

// Connector opens protocol sessions. In agent mode the handler set must be
// supplied with the connect call itself, because lifecycle events may fire
// before the session handle is returned; in direct-model mode handlers are
// registered on the returned session.
type Connector interface {
	ConnectDirect(ctx context.Context, opts ConnectionOptions) (RealtimeSession, error)

	ConnectAgent(ctx context.Context, projectName, agentID string, opts ConnectionOptions, h SessionHandlers) (RealtimeSession, error)
}
