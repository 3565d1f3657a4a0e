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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nlpodyssey/voicesession-go/asynctask"
)

// WebsocketConnector is the default Connector. It speaks framed JSON
// events over a persistent websocket connection.
type WebsocketConnector struct {
	// Dialer optionally overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func NewWebsocketConnector() *WebsocketConnector {
	return &WebsocketConnector{}
}

func (c *WebsocketConnector) ConnectDirect(ctx context.Context, opts ConnectionOptions) (RealtimeSession, error) {
	query := url.Values{}
	query.Set("model", opts.Model)
	return c.connect(ctx, opts, query, SessionHandlers{})
}

func (c *WebsocketConnector) ConnectAgent(ctx context.Context, projectName, agentID string, opts ConnectionOptions, h SessionHandlers) (RealtimeSession, error) {
	query := url.Values{}
	query.Set("agent-project-name", projectName)
	query.Set("agent-id", agentID)
	// In agent mode the handler set goes in before the read loop starts:
	// lifecycle events may arrive before the caller holds the session.
	return c.connect(ctx, opts, query, h)
}

func (c *WebsocketConnector) connect(ctx context.Context, opts ConnectionOptions, query url.Values, h SessionHandlers) (RealtimeSession, error) {
	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, ConnectErrorf("invalid endpoint: %w", err)
	}
	u.RawQuery = query.Encode()

	header := make(http.Header)
	header.Set("Authorization", "Bearer "+opts.APIKey)

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, ConnectErrorf("error dialing %s: %w", u.Host, err)
	}

	s := &websocketSession{conn: conn}
	if !handlersEmpty(h) {
		s.handlers = append(s.handlers, h)
	}

	listenerCtx, cancel := context.WithCancel(context.Background())
	s.cancelListener = cancel
	s.listenerTask = asynctask.CreateTaskNoValue(listenerCtx, s.eventListener)

	if err := s.configureSession(opts); err != nil {
		_ = s.Dispose()
		return nil, ConnectErrorf("error configuring session: %w", err)
	}
	return s, nil
}

func handlersEmpty(h SessionHandlers) bool {
	return h.OnAudioDelta == nil && h.OnTranscription == nil &&
		h.OnResponseItemDone == nil && h.OnSessionCreated == nil &&
		h.OnSessionUpdated == nil && h.OnAvatarAnswer == nil && h.OnError == nil
}

type websocketSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   []SessionHandlers

	listenerTask   *asynctask.TaskNoValue
	cancelListener context.CancelFunc
	disposed       atomic.Bool
}

func (s *websocketSession) AddHandler(h SessionHandlers) {
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, h)
	s.handlersMu.Unlock()
}

func (s *websocketSession) configureSession(opts ConnectionOptions) error {
	session := map[string]any{
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
	}
	if opts.Voice != "" {
		session["voice"] = opts.Voice
	}
	if opts.SampleRate > 0 {
		session["sample_rate"] = opts.SampleRate
	}
	if len(opts.TurnDetection) > 0 {
		session["turn_detection"] = opts.TurnDetection
	}
	if opts.EnableAvatar {
		session["avatar"] = map[string]any{"enabled": true}
	}
	return s.writeEvent(map[string]any{
		"type":    "session.update",
		"session": session,
	})
}

func (s *websocketSession) writeEvent(event map[string]any) error {
	if s.disposed.Load() {
		return NewSendError("session has been disposed")
	}
	if _, ok := event["event_id"]; !ok {
		event["event_id"] = uuid.NewString()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(event); err != nil {
		return SendErrorf("error writing %s event: %w", event["type"], err)
	}
	return nil
}

func (s *websocketSession) SendUserText(msg string) error {
	err := s.writeEvent(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": msg},
			},
		},
	})
	if err != nil {
		return err
	}
	return s.CreateResponse()
}

func (s *websocketSession) SendInputAudio(data []byte) error {
	return s.writeEvent(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(data),
	})
}

func (s *websocketSession) CreateResponse() error {
	return s.writeEvent(map[string]any{"type": "response.create"})
}

func (s *websocketSession) ClearAudioQueue() error {
	return s.writeEvent(map[string]any{"type": "output_audio_buffer.clear"})
}

func (s *websocketSession) SendAvatarOffer(sdp string) error {
	return s.writeEvent(map[string]any{
		"type":       "session.avatar.connect",
		"client_sdp": sdp,
	})
}

func (s *websocketSession) Dispose() error {
	if s.disposed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	err := s.conn.Close()
	s.cancelListener()
	if err != nil {
		return fmt.Errorf("error closing websocket: %w", err)
	}
	return nil
}

func (s *websocketSession) DisposeAsync() {
	go func() {
		if err := s.Dispose(); err != nil {
			Logger().Warn("Error disposing session", "error", err)
		}
	}()
}

func (s *websocketSession) eventListener(context.Context) error {
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.disposed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			s.dispatch(func(h SessionHandlers) {
				if h.OnError != nil {
					h.OnError("connection_error", err.Error())
				}
			})
			return fmt.Errorf("error reading websocket message: %w", err)
		}

		var event map[string]any
		if err = json.Unmarshal(message, &event); err != nil {
			Logger().Warn("Dropping unparsable event", "error", err)
			continue
		}
		s.handleEvent(event)
	}
}

func (s *websocketSession) dispatch(fn func(SessionHandlers)) {
	s.handlersMu.RLock()
	handlers := s.handlers
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		fn(h)
	}
}

func (s *websocketSession) handleEvent(event map[string]any) {
	eventType, _ := event["type"].(string)
	switch eventType {
	case "response.audio.delta":
		delta, _ := event["delta"].(string)
		data, err := base64.StdEncoding.DecodeString(delta)
		if err != nil {
			Logger().Warn("Dropping audio delta with invalid encoding", "error", err)
			return
		}
		s.dispatch(func(h SessionHandlers) {
			if h.OnAudioDelta != nil {
				h.OnAudioDelta(data)
			}
		})
	case "conversation.item.input_audio_transcription.completed":
		transcript, _ := event["transcript"].(string)
		if transcript == "" {
			return
		}
		s.dispatch(func(h SessionHandlers) {
			if h.OnTranscription != nil {
				h.OnTranscription(transcript)
			}
		})
	case "response.output_item.done":
		role, text := parseOutputItem(event)
		if text == "" {
			return
		}
		s.dispatch(func(h SessionHandlers) {
			if h.OnResponseItemDone != nil {
				h.OnResponseItemDone(role, text)
			}
		})
	case "session.created":
		s.dispatch(func(h SessionHandlers) {
			if h.OnSessionCreated != nil {
				h.OnSessionCreated()
			}
		})
	case "session.updated":
		info := parseSessionInfo(event)
		s.dispatch(func(h SessionHandlers) {
			if h.OnSessionUpdated != nil {
				h.OnSessionUpdated(info)
			}
		})
	case "session.avatar.connecting":
		sdp, _ := event["server_sdp"].(string)
		if sdp == "" {
			return
		}
		s.dispatch(func(h SessionHandlers) {
			if h.OnAvatarAnswer != nil {
				h.OnAvatarAnswer(sdp)
			}
		})
	case "error":
		code, message := parseErrorEvent(event)
		s.dispatch(func(h SessionHandlers) {
			if h.OnError != nil {
				h.OnError(code, message)
			}
		})
	default:
		Logger().Debug("Ignoring event", "type", eventType)
	}
}

func parseOutputItem(event map[string]any) (role, text string) {
	item, _ := event["item"].(map[string]any)
	if item == nil {
		return "", ""
	}
	role, _ = item["role"].(string)
	role = cmp.Or(role, "assistant")
	content, _ := item["content"].([]any)
	for _, c := range content {
		part, _ := c.(map[string]any)
		if part == nil {
			continue
		}
		if t, _ := part["text"].(string); t != "" {
			return role, t
		}
		if t, _ := part["transcript"].(string); t != "" {
			return role, t
		}
	}
	return role, ""
}

func parseSessionInfo(event map[string]any) SessionInfo {
	session, _ := event["session"].(map[string]any)
	if session == nil {
		return SessionInfo{}
	}
	info := SessionInfo{}
	info.ID, _ = session["id"].(string)
	info.Model, _ = session["model"].(string)
	if rate, ok := session["sample_rate"].(float64); ok {
		info.SampleRate = int(rate)
	}

	avatar, _ := session["avatar"].(map[string]any)
	if avatar == nil {
		return info
	}
	rawServers, _ := avatar["ice_servers"].([]any)
	servers := make([]ICEServer, 0, len(rawServers))
	for _, rs := range rawServers {
		m, _ := rs.(map[string]any)
		if m == nil {
			continue
		}
		server := ICEServer{}
		switch urls := m["urls"].(type) {
		case string:
			server.URLs = []string{urls}
		case []any:
			for _, u := range urls {
				if str, ok := u.(string); ok {
					server.URLs = append(server.URLs, str)
				}
			}
		}
		server.Username, _ = m["username"].(string)
		server.Credential, _ = m["credential"].(string)
		if len(server.URLs) > 0 {
			servers = append(servers, server)
		}
	}
	if len(servers) > 0 {
		info.Avatar = &AvatarConnectionInfo{ICEServers: servers}
	}
	return info
}

func parseErrorEvent(event map[string]any) (code, message string) {
	errObj, _ := event["error"].(map[string]any)
	if errObj == nil {
		return "unknown", fmt.Sprintf("%v", event)
	}
	code, _ = errObj["code"].(string)
	message, _ = errObj["message"].(string)
	return cmp.Or(code, "unknown"), message
}
