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
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRealtimeSession records protocol sends and lets the test inject
// inbound events through the registered handlers.
type fakeRealtimeSession struct {
	mu           sync.Mutex
	handlers     []SessionHandlers
	sentText     []string
	sentAudio    [][]byte
	avatarOffers []string
	cleared      int
	disposed     bool

	sendTextErr    error
	avatarOfferErr error
}

func (f *fakeRealtimeSession) AddHandler(h SessionHandlers) {
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
}

func (f *fakeRealtimeSession) SendUserText(msg string) error {
	if f.sendTextErr != nil {
		return f.sendTextErr
	}
	f.mu.Lock()
	f.sentText = append(f.sentText, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeRealtimeSession) SendInputAudio(data []byte) error {
	f.mu.Lock()
	f.sentAudio = append(f.sentAudio, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeRealtimeSession) CreateResponse() error { return nil }

func (f *fakeRealtimeSession) ClearAudioQueue() error {
	f.mu.Lock()
	f.cleared++
	f.mu.Unlock()
	return nil
}

func (f *fakeRealtimeSession) SendAvatarOffer(sdp string) error {
	if f.avatarOfferErr != nil {
		return f.avatarOfferErr
	}
	f.mu.Lock()
	f.avatarOffers = append(f.avatarOffers, sdp)
	f.mu.Unlock()
	return nil
}

func (f *fakeRealtimeSession) Dispose() error {
	f.mu.Lock()
	f.disposed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRealtimeSession) DisposeAsync() { _ = f.Dispose() }

// emit dispatches an event to every registered handler set, simulating
// the background listener thread.
func (f *fakeRealtimeSession) emit(fn func(SessionHandlers)) {
	f.mu.Lock()
	handlers := append([]SessionHandlers(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		fn(h)
	}
}

type fakeConnector struct {
	session    *fakeRealtimeSession
	connectErr error

	// preConnectEvents runs against the handler set before ConnectAgent
	// returns, modeling lifecycle events that beat the session handle.
	preConnectEvents func(h SessionHandlers)

	directCalls int
	agentCalls  int
}

func (c *fakeConnector) ConnectDirect(context.Context, ConnectionOptions) (RealtimeSession, error) {
	c.directCalls++
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return c.session, nil
}

func (c *fakeConnector) ConnectAgent(_ context.Context, _, _ string, _ ConnectionOptions, h SessionHandlers) (RealtimeSession, error) {
	c.agentCalls++
	// Lifecycle events can arrive during the handshake, even one that
	// ultimately fails.
	if c.preConnectEvents != nil {
		c.preConnectEvents(h)
	}
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	c.session.AddHandler(h)
	return c.session, nil
}

func directOptions() ConnectionOptions {
	return ConnectionOptions{
		Endpoint: "wss://example.invalid/v1/realtime",
		APIKey:   "key",
		Mode:     ModeDirect,
		Model:    "test-model",
	}
}

func agentOptions() ConnectionOptions {
	return ConnectionOptions{
		Endpoint:     "wss://example.invalid/v1/realtime",
		APIKey:       "key",
		Mode:         ModeAgent,
		ProjectName:  "proj",
		AgentID:      "agent",
		EnableAvatar: true,
	}
}

func TestVoiceSessionConnectDirect(t *testing.T) {
	fake := &fakeRealtimeSession{}
	connector := &fakeConnector{session: fake}

	var connectedCalls int
	session := NewVoiceSession(VoiceSessionParams{
		Options:   directOptions(),
		Connector: connector,
		Callbacks: Callbacks{OnConnected: func() { connectedCalls++ }},
	})

	assert.Equal(t, StateDisconnected, session.State())

	ok, err := session.Connect(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateConnected, session.State())
	assert.Equal(t, 1, connector.directCalls)

	// Direct mode registers handlers on the returned session
	require.Len(t, fake.handlers, 1)

	// The connected callback fires from Tick, not from Connect
	assert.Zero(t, connectedCalls)
	session.Tick()
	assert.Equal(t, 1, connectedCalls)

	// No re-delivery on later ticks
	session.Tick()
	assert.Equal(t, 1, connectedCalls)

	// Connecting again is a no-op
	ok, err = session.Connect(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, connector.directCalls)
}

func TestVoiceSessionConnectValidation(t *testing.T) {
	session := NewVoiceSession(VoiceSessionParams{
		Options:   ConnectionOptions{},
		Connector: &fakeConnector{session: &fakeRealtimeSession{}},
	})

	ok, err := session.Connect(t.Context())
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing endpoint")
	assert.Equal(t, StateDisconnected, session.State())
}

func TestVoiceSessionConnectFailure(t *testing.T) {
	connector := &fakeConnector{
		session:    &fakeRealtimeSession{},
		connectErr: errors.New("dial refused"),
	}

	var gotErrors []string
	session := NewVoiceSession(VoiceSessionParams{
		Options:   directOptions(),
		Connector: connector,
		Callbacks: Callbacks{OnError: func(msg string) { gotErrors = append(gotErrors, msg) }},
	})

	ok, err := session.Connect(t.Context())
	assert.False(t, ok)
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, session.State())

	session.Tick()
	require.Len(t, gotErrors, 1)
	assert.Contains(t, gotErrors[0], "dial refused")

	// A failed connect is retryable
	connector.connectErr = nil
	ok, err = session.Connect(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVoiceSessionEventDelivery(t *testing.T) {
	fake := &fakeRealtimeSession{}
	connector := &fakeConnector{session: fake}

	var transcripts, responses []string
	session := NewVoiceSession(VoiceSessionParams{
		Options:   directOptions(),
		Connector: connector,
		Callbacks: Callbacks{
			OnTranscript: func(text string) { transcripts = append(transcripts, text) },
			OnResponse:   func(text string) { responses = append(responses, text) },
		},
	})
	_, err := session.Connect(t.Context())
	require.NoError(t, err)

	// Background events only stage; delivery happens in Tick
	fake.emit(func(h SessionHandlers) { h.OnTranscription("hello there") })
	fake.emit(func(h SessionHandlers) { h.OnResponseItemDone("assistant", "hi!") })
	fake.emit(func(h SessionHandlers) { h.OnAudioDelta(AudioDataInt16{1, 2, 3}.Bytes()) })
	assert.Empty(t, transcripts)
	assert.Empty(t, responses)

	session.Tick()
	assert.Equal(t, []string{"hello there"}, transcripts)
	assert.Equal(t, []string{"hi!"}, responses)
	assert.Equal(t, 1, session.Playback().ReadyLen())
}

func TestVoiceSessionSendText(t *testing.T) {
	fake := &fakeRealtimeSession{}
	session := NewVoiceSession(VoiceSessionParams{
		Options:   directOptions(),
		Connector: &fakeConnector{session: fake},
	})

	err := session.SendText("too early")
	require.Error(t, err)
	assert.Empty(t, fake.sentText)

	_, err = session.Connect(t.Context())
	require.NoError(t, err)

	require.NoError(t, session.SendText("hello"))
	assert.Equal(t, []string{"hello"}, fake.sentText)
}

func TestVoiceSessionRecording(t *testing.T) {
	fake := &fakeRealtimeSession{}
	device := newFakeCaptureDevice(64)
	session := NewVoiceSession(VoiceSessionParams{
		Options:       directOptions(),
		Connector:     &fakeConnector{session: fake},
		CaptureDevice: device,
	})

	// Recording requires an open connection
	require.Error(t, session.StartRecording())

	_, err := session.Connect(t.Context())
	require.NoError(t, err)

	require.NoError(t, session.StartRecording())
	assert.True(t, session.Recording())

	// Captured samples flow to the session on tick
	device.record([]float32{0.5, -0.5})
	session.Tick()
	require.Len(t, fake.sentAudio, 1)
	assert.Equal(t, AudioDataInt16{16383, -16383}, PCM16FromBytes(fake.sentAudio[0]))

	session.StopRecording()
	assert.False(t, session.Recording())
	device.record([]float32{0.1})
	session.Tick()
	assert.Len(t, fake.sentAudio, 1)
}

func TestVoiceSessionRecordingWithoutDevice(t *testing.T) {
	session := NewVoiceSession(VoiceSessionParams{
		Options:   directOptions(),
		Connector: &fakeConnector{session: &fakeRealtimeSession{}},
	})
	_, err := session.Connect(t.Context())
	require.NoError(t, err)

	err = session.StartRecording()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoDeviceAvailable))
}

func TestVoiceSessionDisconnect(t *testing.T) {
	fake := &fakeRealtimeSession{}
	var disconnectedCalls int
	session := NewVoiceSession(VoiceSessionParams{
		Options:   directOptions(),
		Connector: &fakeConnector{session: fake},
		Callbacks: Callbacks{OnDisconnected: func() { disconnectedCalls++ }},
	})
	_, err := session.Connect(t.Context())
	require.NoError(t, err)

	session.Disconnect()
	assert.Equal(t, StateDisconnected, session.State())

	session.Tick()
	assert.Equal(t, 1, disconnectedCalls)

	// Disposal is asynchronous
	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.disposed
	}, time.Second, 10*time.Millisecond)

	// A second disconnect is a no-op
	session.Disconnect()
	session.Tick()
	assert.Equal(t, 1, disconnectedCalls)
}

func TestVoiceSessionAgentModeDeferredAvatarInit(t *testing.T) {
	fake := &fakeRealtimeSession{}
	iceServers := []ICEServer{{URLs: []string{"stun:stun.example.invalid"}}}
	connector := &fakeConnector{
		session: fake,
		// The session.updated event beats the connect return: avatar
		// initialization must be deferred until the handle exists.
		preConnectEvents: func(h SessionHandlers) {
			h.OnSessionUpdated(SessionInfo{
				ID:     "sess-1",
				Avatar: &AvatarConnectionInfo{ICEServers: iceServers},
			})
		},
	}

	var startedCalls int
	session := NewVoiceSession(VoiceSessionParams{
		Options:   agentOptions(),
		Connector: connector,
		Callbacks: Callbacks{OnSessionStarted: func() { startedCalls++ }},
	})

	ok, err := session.Connect(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, connector.agentCalls)

	// Drive the tick loop until the offer goes out
	deadline := time.Now().Add(15 * time.Second)
	for {
		session.Tick()
		fake.mu.Lock()
		offers := len(fake.avatarOffers)
		fake.mu.Unlock()
		if offers > 0 {
			break
		}
		require.False(t, time.Now().After(deadline), "avatar offer was never sent")
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, 1, startedCalls)
	fake.mu.Lock()
	require.Len(t, fake.avatarOffers, 1)
	offerSDP := fake.avatarOffers[0]
	fake.mu.Unlock()
	assert.Contains(t, offerSDP, "UDP/TLS/RTP/SAVPF")

	// Further ticks must not produce another offer
	for range 5 {
		session.Tick()
	}
	fake.mu.Lock()
	assert.Len(t, fake.avatarOffers, 1)
	fake.mu.Unlock()

	session.Disconnect()
}

func TestVoiceSessionAvatarOfferRetryBound(t *testing.T) {
	fake := &fakeRealtimeSession{avatarOfferErr: errors.New("offer rejected by transport")}
	connector := &fakeConnector{
		session: fake,
		preConnectEvents: func(h SessionHandlers) {
			h.OnSessionUpdated(SessionInfo{
				Avatar: &AvatarConnectionInfo{ICEServers: []ICEServer{{URLs: []string{"stun:s.example.invalid"}}}},
			})
		},
	}

	var gotErrors []string
	session := NewVoiceSession(VoiceSessionParams{
		Options:   agentOptions(),
		Connector: connector,
		Callbacks: Callbacks{OnError: func(msg string) { gotErrors = append(gotErrors, msg) }},
	})
	_, err := session.Connect(t.Context())
	require.NoError(t, err)
	t.Cleanup(session.Disconnect)

	sendFailures := func() int {
		count := 0
		for _, msg := range gotErrors {
			if strings.Contains(msg, "error sending avatar offer") {
				count++
			}
		}
		return count
	}

	// First attempt fails, one retry follows, then the state machine
	// lands terminal: exactly two send failures
	deadline := time.Now().Add(30 * time.Second)
	for sendFailures() < 2 {
		session.Tick()
		require.False(t, time.Now().After(deadline), "avatar offer was never retried")
		time.Sleep(10 * time.Millisecond)
	}

	// No third attempt, even once sending would succeed again
	fake.avatarOfferErr = nil
	for range 30 {
		session.Tick()
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 2, sendFailures())
	fake.mu.Lock()
	assert.Empty(t, fake.avatarOffers)
	fake.mu.Unlock()
}

func TestVoiceSessionAvatarHandleWaitDeadline(t *testing.T) {
	fake := &fakeRealtimeSession{}
	connector := &fakeConnector{
		session:    fake,
		connectErr: errors.New("handshake interrupted"),
		// session.updated arrives mid-handshake, but the session handle
		// is never assigned
		preConnectEvents: func(h SessionHandlers) {
			h.OnSessionUpdated(SessionInfo{
				Avatar: &AvatarConnectionInfo{ICEServers: []ICEServer{{URLs: []string{"stun:s.example.invalid"}}}},
			})
		},
	}

	var gotErrors []string
	session := NewVoiceSession(VoiceSessionParams{
		Options:            agentOptions(),
		Connector:          connector,
		AvatarInitDeadline: 30 * time.Millisecond,
		Callbacks:          Callbacks{OnError: func(msg string) { gotErrors = append(gotErrors, msg) }},
	})

	_, err := session.Connect(t.Context())
	require.Error(t, err)

	time.Sleep(50 * time.Millisecond)
	for range 5 {
		session.Tick()
	}

	timeouts := 0
	for _, msg := range gotErrors {
		if strings.Contains(msg, "timed out waiting for session handle") {
			timeouts++
		}
	}
	assert.Equal(t, 1, timeouts)
	assert.Empty(t, fake.avatarOffers)
}

func TestVoiceSessionAvatarDisabled(t *testing.T) {
	fake := &fakeRealtimeSession{}
	opts := agentOptions()
	opts.EnableAvatar = false
	connector := &fakeConnector{
		session: fake,
		preConnectEvents: func(h SessionHandlers) {
			h.OnSessionUpdated(SessionInfo{
				Avatar: &AvatarConnectionInfo{ICEServers: []ICEServer{{URLs: []string{"stun:s.example.invalid"}}}},
			})
		},
	}
	session := NewVoiceSession(VoiceSessionParams{
		Options:   opts,
		Connector: connector,
	})
	_, err := session.Connect(t.Context())
	require.NoError(t, err)

	for range 5 {
		session.Tick()
	}
	assert.Empty(t, fake.avatarOffers)
}

func TestVoiceSessionAvatarAnswerRejected(t *testing.T) {
	fake := &fakeRealtimeSession{}
	connector := &fakeConnector{
		session: fake,
		preConnectEvents: func(h SessionHandlers) {
			h.OnSessionUpdated(SessionInfo{
				Avatar: &AvatarConnectionInfo{ICEServers: []ICEServer{{URLs: []string{"stun:s.example.invalid"}}}},
			})
		},
	}

	var gotErrors []string
	session := NewVoiceSession(VoiceSessionParams{
		Options:   agentOptions(),
		Connector: connector,
		Callbacks: Callbacks{OnError: func(msg string) { gotErrors = append(gotErrors, msg) }},
	})
	_, err := session.Connect(t.Context())
	require.NoError(t, err)
	t.Cleanup(session.Disconnect)

	deadline := time.Now().Add(15 * time.Second)
	for {
		session.Tick()
		fake.mu.Lock()
		offers := len(fake.avatarOffers)
		fake.mu.Unlock()
		if offers > 0 {
			break
		}
		require.False(t, time.Now().After(deadline), "avatar offer was never sent")
		time.Sleep(10 * time.Millisecond)
	}

	// A malformed remote answer surfaces as an error callback
	fake.emit(func(h SessionHandlers) { h.OnAvatarAnswer("not an sdp") })
	session.Tick()
	require.NotEmpty(t, gotErrors)
	assert.Contains(t, gotErrors[len(gotErrors)-1], "avatar answer rejected")
}

func TestVoiceSessionTransportDrop(t *testing.T) {
	fake := &fakeRealtimeSession{}
	var gotErrors []string
	var disconnectedCalls int
	session := NewVoiceSession(VoiceSessionParams{
		Options:   directOptions(),
		Connector: &fakeConnector{session: fake},
		Callbacks: Callbacks{
			OnError:        func(msg string) { gotErrors = append(gotErrors, msg) },
			OnDisconnected: func() { disconnectedCalls++ },
		},
	})
	_, err := session.Connect(t.Context())
	require.NoError(t, err)

	// A dropped transport surfaces both the error and the state change
	fake.emit(func(h SessionHandlers) { h.OnError("connection_error", "read: connection reset") })
	session.Tick()

	require.Len(t, gotErrors, 1)
	assert.Contains(t, gotErrors[0], "connection reset")
	assert.Equal(t, StateDisconnected, session.State())
	assert.Equal(t, 1, disconnectedCalls)
}

func TestVoiceSessionClearAudioQueue(t *testing.T) {
	fake := &fakeRealtimeSession{}
	session := NewVoiceSession(VoiceSessionParams{
		Options:   directOptions(),
		Connector: &fakeConnector{session: fake},
	})
	_, err := session.Connect(t.Context())
	require.NoError(t, err)

	fake.emit(func(h SessionHandlers) { h.OnAudioDelta(AudioDataInt16{1}.Bytes()) })
	session.Tick()
	require.Equal(t, 1, session.Playback().ReadyLen())

	session.ClearAudioQueue()
	assert.Equal(t, 0, session.Playback().ReadyLen())
	assert.Equal(t, 1, fake.cleared)
}
