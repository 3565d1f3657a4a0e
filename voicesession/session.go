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
	"context"
	"sync"
	"time"

	"github.com/nlpodyssey/voicesession-go/asynctask"
	"github.com/nlpodyssey/voicesession-go/history"
)

// ConnectionState is the lifecycle of one VoiceSession.
type ConnectionState byte

const (
	StateDisconnected ConnectionState = iota + 1
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// Callbacks are the caller-visible notification channels. Every callback
// is invoked on the owning thread only, from Tick, regardless of which
// thread produced the underlying event. Each kind is registered at most
// once; a nil callback means the notification is dropped.
type Callbacks struct {
	OnConnected      func()
	OnDisconnected   func()
	OnSessionStarted func()
	OnTranscript     func(text string)
	OnResponse       func(text string)
	OnError          func(message string)
}

type responseItem struct {
	role string
	text string
}

const (
	// avatarInitDeadline bounds how long avatar initialization waits for
	// the session handle before giving up.
	avatarInitDeadline = 10 * time.Second

	// avatarMaxAttempts allows exactly one retry after a failed
	// initialization.
	avatarMaxAttempts = 2
)

type avatarPhase byte

const (
	avatarIdle avatarPhase = iota
	avatarPending
	avatarInitializing
	avatarOfferSent
	avatarFailed
)

// avatarInitState is the deferred-initialization state machine for the
// avatar stream. Initialization is queued from a background handler and
// driven from the owning-thread tick, because the session handle is only
// assigned once the connect handshake fully resolves.
type avatarInitState struct {
	phase    avatarPhase
	servers  []ICEServer
	deadline time.Time
	attempts int
	task     *asynctask.Task[*AvatarOfferPayload]
	cancel   context.CancelFunc
}

type VoiceSessionParams struct {
	Options ConnectionOptions

	// Connector opens the protocol session.
	// Defaults to NewWebsocketConnector().
	Connector Connector

	// CaptureDevice backs the microphone capture source. Optional;
	// without it StartRecording fails with ErrNoDeviceAvailable.
	CaptureDevice CaptureDevice

	// OutputDevice plays response audio. Optional; without it converted
	// clips queue up until cleared.
	OutputDevice OutputDevice

	// VideoSink and AudioSink receive the remote avatar tracks. Optional.
	VideoSink TrackSink
	AudioSink TrackSink

	Callbacks Callbacks

	// History optionally persists finished transcripts and responses.
	History history.Store

	// AvatarInitDeadline bounds how long avatar initialization waits for
	// the session handle before giving up. Defaults to 10 seconds.
	AvatarInitDeadline time.Duration
}

// VoiceSession orchestrates one realtime voice conversation: it owns the
// connection lifecycle and wires inbound protocol events to the capture,
// playback and negotiation components.
//
// All methods except Connect, SendText and the thread-safe inbox pushes
// are owning-thread only. Tick must be called at a fixed rate from the
// owning thread; it is the only place caller callbacks fire.
type VoiceSession struct {
	opts      ConnectionOptions
	connector Connector
	callbacks Callbacks

	mu        sync.Mutex
	state     ConnectionState
	recording bool
	sess      RealtimeSession
	avatar    avatarInitState

	capture        *CaptureSource
	playback       *PlaybackSink
	negotiation    *NegotiationSession
	videoSink      TrackSink
	audioSink      TrackSink
	history        history.Store
	avatarDeadline time.Duration

	transcripts  *Inbox[string]
	responses    *Inbox[responseItem]
	errored      *Inbox[error]
	answers      *Inbox[string]
	started      Flag
	connected    Flag
	disconnected Flag
	dropped      Flag
}

func NewVoiceSession(params VoiceSessionParams) *VoiceSession {
	s := &VoiceSession{
		opts:      params.Options,
		connector: params.Connector,
		callbacks: params.Callbacks,
		state:     StateDisconnected,
		playback:  NewPlaybackSink(params.OutputDevice),
		videoSink: params.VideoSink,
		audioSink: params.AudioSink,
		history:   params.History,

		avatarDeadline: cmp.Or(params.AvatarInitDeadline, avatarInitDeadline),

		transcripts: NewInbox[string](),
		responses:   NewInbox[responseItem](),
		errored:     NewInbox[error](),
		answers:     NewInbox[string](),
	}
	if s.connector == nil {
		s.connector = NewWebsocketConnector()
	}
	if params.CaptureDevice != nil {
		s.capture = NewCaptureSource(params.CaptureDevice, s.sampleRate(), s.channels())
		s.capture.SetChunkCallback(s.sendAudioChunk)
	}
	return s
}

func (s *VoiceSession) sampleRate() int {
	return cmp.Or(s.opts.SampleRate, DefaultAudioSampleRate)
}

func (s *VoiceSession) channels() int {
	return cmp.Or(s.opts.Channels, DefaultAudioChannels)
}

func (s *VoiceSession) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *VoiceSession) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Playback exposes the playback sink, e.g. to query backlog length.
func (s *VoiceSession) Playback() *PlaybackSink { return s.playback }

func (s *VoiceSession) sessionHandle() RealtimeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// Connect validates the configuration and opens the protocol session.
// It reports true once connected and is idempotent when already
// connected. It blocks the calling goroutine while the handshake is in
// flight and must not be called from the owning thread's tick loop.
//
// A failed connect leaves the state disconnected and is safe to retry.
func (s *VoiceSession) Connect(ctx context.Context) (bool, error) {
	if err := s.opts.Validate(); err != nil {
		s.errored.Push(err)
		return false, err
	}

	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return true, nil
	case StateConnecting:
		s.mu.Unlock()
		return false, NewConnectError("connection already in progress")
	}
	s.state = StateConnecting
	s.mu.Unlock()

	h := s.protocolHandlers()

	var sess RealtimeSession
	var err error
	switch s.opts.Mode {
	case ModeAgent:
		// Handlers must ride along with the connect call: lifecycle
		// events may fire before the session handle is returned.
		sess, err = s.connector.ConnectAgent(ctx, s.opts.ProjectName, s.opts.AgentID, s.opts, h)
	default:
		sess, err = s.connector.ConnectDirect(ctx, s.opts)
		if err == nil {
			sess.AddHandler(h)
		}
	}
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.errored.Push(ConnectErrorf("%w", err))
		return false, err
	}

	s.mu.Lock()
	s.sess = sess
	s.state = StateConnected
	s.mu.Unlock()
	s.connected.Set()
	return true, nil
}

// Disconnect tears the session down: stop recording, dispose the
// transport without blocking, close the avatar negotiation, mark
// disconnected. Idempotent.
func (s *VoiceSession) Disconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	if s.recording && s.capture != nil {
		s.capture.Stop()
	}
	s.recording = false
	sess := s.sess
	s.sess = nil
	neg := s.negotiation
	s.negotiation = nil
	avatarTask := s.avatar.task
	avatarCancel := s.avatar.cancel
	s.avatar = avatarInitState{}
	s.state = StateDisconnected
	s.mu.Unlock()

	if avatarCancel != nil {
		avatarCancel()
	}
	if avatarTask != nil {
		avatarTask.Cancel()
	}
	if neg != nil {
		neg.Close()
	}
	if sess != nil {
		// Fire-and-forget: a synchronous wait here could deadlock
		// against callbacks that need the owning thread to complete.
		sess.DisposeAsync()
	}
	s.disconnected.Set()
}

// StartRecording opens the capture device and begins streaming captured
// audio to the session on every tick.
func (s *VoiceSession) StartRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return NewCaptureError("cannot start recording: not connected")
	}
	if s.recording {
		return nil
	}
	if s.capture == nil {
		return CaptureErrorf("%w", ErrNoDeviceAvailable)
	}
	if err := s.capture.Start(s.opts.CaptureDeviceHint); err != nil {
		return err
	}
	s.recording = true
	return nil
}

func (s *VoiceSession) StopRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recording {
		return
	}
	s.recording = false
	if s.capture != nil {
		s.capture.Stop()
	}
}

// SendText sends a user text message and requests a response.
func (s *VoiceSession) SendText(msg string) error {
	sess := s.sessionHandle()
	if sess == nil {
		return NewSendError("cannot send text: not connected")
	}
	if err := sess.SendUserText(msg); err != nil {
		return SendErrorf("error sending text: %w", err)
	}
	return nil
}

// ClearAudioQueue discards the local playback backlog and asks the server
// to drop undelivered audio.
func (s *VoiceSession) ClearAudioQueue() {
	s.playback.Clear()
	if sess := s.sessionHandle(); sess != nil {
		if err := sess.ClearAudioQueue(); err != nil {
			s.errored.Push(SendErrorf("error clearing audio queue: %w", err))
		}
	}
}

// Tick is the owning-thread frame function. It drains the event inboxes
// into caller callbacks, polls capture, advances playback conversion and
// steps the avatar initialization state machine. Call it at a fixed rate;
// it is the only thread allowed to touch playback-unit construction and
// peer-connection description mutation.
func (s *VoiceSession) Tick() {
	if s.connected.TakeSet() && s.callbacks.OnConnected != nil {
		s.callbacks.OnConnected()
	}
	if s.started.TakeSet() && s.callbacks.OnSessionStarted != nil {
		s.callbacks.OnSessionStarted()
	}

	s.errored.DrainEach(func(err error) {
		if s.callbacks.OnError != nil {
			s.callbacks.OnError(err.Error())
		}
	})
	s.transcripts.DrainEach(func(text string) {
		s.recordHistory("user", text)
		if s.callbacks.OnTranscript != nil {
			s.callbacks.OnTranscript(text)
		}
	})
	s.responses.DrainEach(func(item responseItem) {
		s.recordHistory(item.role, item.text)
		if s.callbacks.OnResponse != nil {
			s.callbacks.OnResponse(item.text)
		}
	})
	s.answers.DrainEach(s.applyAvatarAnswer)

	s.mu.Lock()
	recording := s.recording
	s.mu.Unlock()
	if recording && s.capture != nil {
		s.capture.Poll()
	}

	s.playback.Tick()
	s.avatarStep()

	if s.dropped.TakeSet() {
		s.Disconnect()
	}
	if s.disconnected.TakeSet() && s.callbacks.OnDisconnected != nil {
		s.callbacks.OnDisconnected()
	}
}

// sendAudioChunk runs synchronously inside CaptureSource.Poll. Sends are
// fire-and-forget per chunk: a failure is reported through the error
// channel but does not stop subsequent capture.
func (s *VoiceSession) sendAudioChunk(chunk AudioChunk) {
	sess := s.sessionHandle()
	if sess == nil {
		return
	}
	if err := sess.SendInputAudio(chunk.Data); err != nil {
		s.errored.Push(SendErrorf("error sending audio chunk: %w", err))
	}
}

func (s *VoiceSession) protocolHandlers() SessionHandlers {
	return SessionHandlers{
		OnAudioDelta: func(data []byte) {
			// The playback sink stages thread-safely on its own; no
			// inbox indirection is needed for audio.
			s.playback.EnqueueRaw(data, s.sampleRate(), s.channels())
		},
		OnTranscription: func(text string) {
			s.transcripts.Push(text)
		},
		OnResponseItemDone: func(role, text string) {
			s.responses.Push(responseItem{role: role, text: text})
		},
		OnSessionCreated: func() {
			Logger().Debug("Session created")
		},
		OnSessionUpdated: func(info SessionInfo) {
			s.started.Set()
			if info.Avatar != nil && len(info.Avatar.ICEServers) > 0 {
				s.queueAvatarInit(info.Avatar.ICEServers)
			}
		},
		OnAvatarAnswer: func(sdp string) {
			s.answers.Push(sdp)
		},
		OnError: func(code, message string) {
			s.errored.Push(ProtocolErrorf("%s: %s", code, message))
			if code == "connection_error" {
				// A dead transport must also drive the state transition,
				// not just surface a message. Teardown happens on the
				// owning thread.
				s.dropped.Set()
			}
		},
	}
}

// queueAvatarInit queues avatar initialization for the owning-thread
// tick. Runs on a background handler thread: the session handle may not
// be assigned yet, so initialization is deferred rather than started
// here.
func (s *VoiceSession) queueAvatarInit(servers []ICEServer) {
	if !s.opts.EnableAvatar {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.avatar.phase != avatarIdle {
		return
	}
	s.avatar.phase = avatarPending
	s.avatar.servers = servers
	s.avatar.deadline = time.Now().Add(s.avatarDeadline)
}

func (s *VoiceSession) avatarStep() {
	s.mu.Lock()
	phase := s.avatar.phase
	s.mu.Unlock()

	switch phase {
	case avatarPending:
		s.avatarStart()
	case avatarInitializing:
		s.avatarFinish()
	}
}

// avatarStart retries every tick until the session handle is available,
// then kicks off offer creation as a background task polled by the tick.
func (s *VoiceSession) avatarStart() {
	s.mu.Lock()
	if s.sess == nil {
		if time.Now().After(s.avatar.deadline) {
			s.avatar.phase = avatarFailed
			s.mu.Unlock()
			s.errored.Push(NewNegotiationError("avatar initialization timed out waiting for session handle"))
			return
		}
		s.mu.Unlock()
		return
	}

	s.avatar.phase = avatarInitializing
	s.avatar.attempts++
	servers := s.avatar.servers
	neg := NewNegotiationSession(NegotiationSessionParams{
		VideoSink: s.videoSink,
		AudioSink: s.audioSink,
	})
	s.negotiation = neg
	ctx, cancel := context.WithCancel(context.Background())
	s.avatar.cancel = cancel
	s.avatar.task = asynctask.CreateTask(ctx, func(ctx context.Context) (*AvatarOfferPayload, error) {
		return neg.Initialize(ctx, servers)
	})
	s.mu.Unlock()
}

func (s *VoiceSession) avatarFinish() {
	s.mu.Lock()
	task := s.avatar.task
	s.mu.Unlock()
	if task == nil {
		return
	}
	res, done := task.TryResult()
	if !done {
		return
	}

	s.mu.Lock()
	s.avatar.task = nil
	s.avatar.cancel = nil
	sess := s.sess
	neg := s.negotiation
	s.mu.Unlock()

	fail := func(err error) {
		s.errored.Push(err)
		if neg != nil {
			neg.Close()
		}
		s.mu.Lock()
		s.negotiation = nil
		if s.avatar.attempts < avatarMaxAttempts {
			// One retry: re-enter pending with a fresh deadline.
			s.avatar.phase = avatarPending
			s.avatar.deadline = time.Now().Add(s.avatarDeadline)
		} else {
			s.avatar.phase = avatarFailed
		}
		s.mu.Unlock()
	}

	if res.Error != nil {
		fail(NegotiationErrorf("avatar negotiation failed: %w", res.Error))
		return
	}
	if sess == nil {
		// Disconnected while the offer was in flight.
		if neg != nil {
			neg.Close()
		}
		return
	}
	if err := sess.SendAvatarOffer(res.Value.SDP); err != nil {
		fail(SendErrorf("error sending avatar offer: %w", err))
		return
	}

	s.mu.Lock()
	s.avatar.phase = avatarOfferSent
	s.mu.Unlock()
}

// applyAvatarAnswer runs on the owning thread while draining the answer
// inbox.
func (s *VoiceSession) applyAvatarAnswer(sdp string) {
	s.mu.Lock()
	neg := s.negotiation
	s.mu.Unlock()
	if neg == nil {
		Logger().Debug("Ignoring avatar answer: no negotiation in progress")
		return
	}
	if err := neg.ApplyRemoteAnswer(sdp); err != nil {
		s.errored.Push(NegotiationErrorf("avatar answer rejected: %w", err))
	}
}

func (s *VoiceSession) recordHistory(role, text string) {
	if s.history == nil || text == "" {
		return
	}
	item := history.TranscriptItem{Role: role, Text: text, CreatedAt: time.Now()}
	// Persistence must not stall the frame loop.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.history.AddItems(ctx, []history.TranscriptItem{item}); err != nil {
			Logger().Warn("Error persisting transcript item", "error", err)
		}
	}()
}
