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
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// negotiationGatherTimeout bounds ICE candidate gathering. On timeout
	// the offer proceeds with whatever candidates were gathered.
	negotiationGatherTimeout = 10 * time.Second

	negotiationGatherPollInterval = 100 * time.Millisecond
)

// NegotiationState is the lifecycle of one peer-connection attempt for
// the avatar media stream.
type NegotiationState byte

const (
	NegotiationIdle NegotiationState = iota
	NegotiationOfferPending
	NegotiationGathering
	NegotiationOfferReady
	NegotiationAwaitingAnswer
	NegotiationConnected
	NegotiationFailed
	NegotiationClosed
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationIdle:
		return "idle"
	case NegotiationOfferPending:
		return "offer-pending"
	case NegotiationGathering:
		return "gathering-candidates"
	case NegotiationOfferReady:
		return "offer-ready"
	case NegotiationAwaitingAnswer:
		return "awaiting-remote-answer"
	case NegotiationConnected:
		return "connected"
	case NegotiationFailed:
		return "failed"
	case NegotiationClosed:
		return "closed"
	}
	return "unknown"
}

// ICEServer describes one ICE server offered by the protocol for the
// avatar media stream.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// AvatarOfferPayload is the client offer produced by Initialize, ready to
// be sent to the remote peer over the session transport.
type AvatarOfferPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// TrackSink receives a remote media track once it is bound. Implementations
// decide how to consume the packets (frame texture target for video, device
// output for audio).
type TrackSink interface {
	BindTrack(track *webrtc.TrackRemote)
}

// TrackSinkFunc adapts a function to the TrackSink interface.
type TrackSinkFunc func(track *webrtc.TrackRemote)

func (f TrackSinkFunc) BindTrack(track *webrtc.TrackRemote) { f(track) }

// NegotiationSession drives one offer/answer exchange attaching the
// secondary avatar video+audio stream. At most one NegotiationSession
// exists per voice session.
//
// Initialize and ApplyRemoteAnswer mutate the peer-connection description
// and must not run concurrently with each other; the orchestrator invokes
// them from the owning-thread tick (Initialize through a task it polls).
type NegotiationSession struct {
	mu            sync.Mutex
	state         NegotiationState
	pc            *webrtc.PeerConnection
	videoSink     TrackSink
	audioSink     TrackSink
	boundTracks   map[string]bool
	gatherTimeout time.Duration
}

type NegotiationSessionParams struct {
	// VideoSink receives the remote avatar video track. Optional.
	VideoSink TrackSink

	// AudioSink receives the remote avatar audio track. Optional.
	AudioSink TrackSink

	// GatherTimeout bounds ICE candidate gathering during Initialize.
	// On timeout the offer proceeds with whatever candidates were
	// gathered. Defaults to 10 seconds.
	GatherTimeout time.Duration
}

func NewNegotiationSession(params NegotiationSessionParams) *NegotiationSession {
	return &NegotiationSession{
		state:         NegotiationIdle,
		videoSink:     params.VideoSink,
		audioSink:     params.AudioSink,
		boundTracks:   make(map[string]bool),
		gatherTimeout: cmp.Or(params.GatherTimeout, negotiationGatherTimeout),
	}
}

func (n *NegotiationSession) State() NegotiationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *NegotiationSession) setState(state NegotiationState) {
	n.mu.Lock()
	prev := n.state
	n.state = state
	n.mu.Unlock()
	if prev != state {
		Logger().Debug("Avatar negotiation state", "from", prev.String(), "to", state.String())
	}
}

func toPionICEServers(servers []ICEServer) []webrtc.ICEServer {
	result := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		result = append(result, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return result
}

// fixupSDPProfile upgrades the legacy SAVPF transport profile token to the
// signaling-compatible one. Answers generated against the older token are
// rejected by modern peers.
func fixupSDPProfile(sdp string) string {
	if strings.Contains(sdp, "UDP/TLS/RTP/SAVPF") {
		return sdp
	}
	return strings.ReplaceAll(sdp, "RTP/SAVPF", "UDP/TLS/RTP/SAVPF")
}

// Initialize configures a peer connection against the given ICE servers,
// attaches one receive-only video and one receive-only audio transceiver
// (which is what triggers offer generation), and waits for candidate
// gathering before returning the serialized client offer.
//
// Gathering is time-boxed by the configured gather timeout: on expiry
// the offer is returned with whatever candidates were gathered, with a
// logged warning rather than an error. Cancelling ctx aborts the wait.
func (n *NegotiationSession) Initialize(ctx context.Context, iceServers []ICEServer) (*AvatarOfferPayload, error) {
	n.mu.Lock()
	if n.state != NegotiationIdle {
		state := n.state
		n.mu.Unlock()
		return nil, NegotiationErrorf("cannot initialize negotiation in state %q", state.String())
	}
	n.state = NegotiationOfferPending
	n.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: toPionICEServers(iceServers),
	})
	if err != nil {
		n.setState(NegotiationFailed)
		return nil, NegotiationErrorf("offer creation failed: error creating peer connection: %w", err)
	}

	n.mu.Lock()
	n.pc = pc
	n.mu.Unlock()

	// Reactive track binding. The same binding is attempted proactively
	// after the remote answer is applied; bindTrack is idempotent.
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.bindTrack(track)
	})

	// Either side may drop mid-session, so connection-state transitions
	// are driven by the transport's own connectivity notifications,
	// independent of the offer/answer flow.
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		Logger().Debug("Avatar ICE connection state", "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			n.mu.Lock()
			if n.state != NegotiationClosed {
				n.state = NegotiationConnected
			}
			n.mu.Unlock()
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			n.mu.Lock()
			if n.state != NegotiationClosed {
				n.state = NegotiationFailed
			}
			n.mu.Unlock()
		}
	})

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		_, err = pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			n.setState(NegotiationFailed)
			return nil, NegotiationErrorf("offer creation failed: error adding %s transceiver: %w", kind.String(), err)
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		n.setState(NegotiationFailed)
		return nil, NegotiationErrorf("offer creation failed: %w", err)
	}
	if err = pc.SetLocalDescription(offer); err != nil {
		n.setState(NegotiationFailed)
		return nil, NegotiationErrorf("offer creation failed: error setting local description: %w", err)
	}
	n.setState(NegotiationGathering)

	err = n.waitForGathering(ctx, func() bool {
		return pc.ICEGatheringState() == webrtc.ICEGatheringStateComplete
	})
	if err != nil {
		n.setState(NegotiationFailed)
		return nil, NegotiationErrorf("negotiation canceled during gathering: %w", err)
	}
	n.setState(NegotiationOfferReady)

	ld := pc.LocalDescription()
	if ld == nil {
		n.setState(NegotiationFailed)
		return nil, NewNegotiationError("offer creation failed: local description not available")
	}

	n.setState(NegotiationAwaitingAnswer)
	return &AvatarOfferPayload{
		Type: "offer",
		SDP:  fixupSDPProfile(ld.SDP),
	}, nil
}

// waitForGathering polls complete until it reports true or the gather
// timeout expires. A timeout is not an error: the offer proceeds in a
// degraded form with whatever candidates exist. Only ctx cancellation
// aborts the wait.
func (n *NegotiationSession) waitForGathering(ctx context.Context, complete func() bool) error {
	deadline := time.Now().Add(n.gatherTimeout)
	ticker := time.NewTicker(negotiationGatherPollInterval)
	defer ticker.Stop()
	for !complete() {
		if time.Now().After(deadline) {
			Logger().Warn("ICE gathering timed out, proceeding with gathered candidates",
				"timeout", n.gatherTimeout)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// ApplyRemoteAnswer parses and applies the remote answer, then enumerates
// active receivers and binds each received track to its sink. Owning
// thread only.
func (n *NegotiationSession) ApplyRemoteAnswer(sdp string) error {
	n.mu.Lock()
	pc := n.pc
	state := n.state
	n.mu.Unlock()

	if state == NegotiationClosed {
		return NewNegotiationError("remote answer rejected: negotiation is closed")
	}
	if pc == nil {
		return NewNegotiationError("remote answer rejected: no peer connection")
	}
	if strings.TrimSpace(sdp) == "" {
		return NewNegotiationError("remote answer rejected: missing SDP")
	}

	err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
	if err != nil {
		return NegotiationErrorf("remote answer rejected: %w", err)
	}

	// Proactive binding pass. OnTrack also binds reactively; bindTrack
	// guards against double-binding the same track through both paths.
	for _, receiver := range pc.GetReceivers() {
		if track := receiver.Track(); track != nil {
			n.bindTrack(track)
		}
	}
	return nil
}

func (n *NegotiationSession) bindTrack(track *webrtc.TrackRemote) {
	n.mu.Lock()
	if n.state == NegotiationClosed || n.boundTracks[track.ID()] {
		n.mu.Unlock()
		return
	}
	n.boundTracks[track.ID()] = true
	var sink TrackSink
	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		sink = n.videoSink
	case webrtc.RTPCodecTypeAudio:
		sink = n.audioSink
	}
	n.mu.Unlock()

	if sink == nil {
		Logger().Debug("No sink for remote track", "kind", track.Kind().String(), "id", track.ID())
		return
	}
	Logger().Info("Binding remote avatar track", "kind", track.Kind().String(), "id", track.ID())
	sink.BindTrack(track)
}

// Close tears down the negotiation: unbinds tracks, stops and releases the
// peer connection. It is idempotent and safe to call from a forced
// shutdown path.
func (n *NegotiationSession) Close() {
	n.mu.Lock()
	if n.state == NegotiationClosed {
		n.mu.Unlock()
		return
	}
	n.state = NegotiationClosed
	pc := n.pc
	n.pc = nil
	n.boundTracks = make(map[string]bool)
	n.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			Logger().Warn("Error closing avatar peer connection", "error", err)
		}
	}
}
