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
	"fmt"
)

// ConfigError is returned when connection or session settings are missing
// or malformed. It is always detected before any network action.
type ConfigError error

func NewConfigError(message string) ConfigError {
	return ConfigError(errors.New(message))
}

func ConfigErrorf(format string, a ...any) ConfigError {
	return ConfigError(fmt.Errorf(format, a...))
}

// ConnectError is returned when the connection handshake fails.
// A failed connect leaves the session disconnected and is safe to retry.
type ConnectError error

func NewConnectError(message string) ConnectError {
	return ConnectError(errors.New(message))
}

func ConnectErrorf(format string, a ...any) ConnectError {
	return ConnectError(fmt.Errorf(format, a...))
}

// SendError is returned when a per-chunk or per-message transport send
// fails. It is non-fatal to the session.
type SendError error

func NewSendError(message string) SendError {
	return SendError(errors.New(message))
}

func SendErrorf(format string, a ...any) SendError {
	return SendError(fmt.Errorf(format, a...))
}

// CaptureError is returned when the capture device cannot be found or
// started.
type CaptureError error

func NewCaptureError(message string) CaptureError {
	return CaptureError(errors.New(message))
}

func CaptureErrorf(format string, a ...any) CaptureError {
	return CaptureError(fmt.Errorf(format, a...))
}

// PlaybackDecodeError is returned when an audio payload cannot be turned
// into a playable clip. Malformed chunks are dropped, never fatal.
type PlaybackDecodeError error

func NewPlaybackDecodeError(message string) PlaybackDecodeError {
	return PlaybackDecodeError(errors.New(message))
}

func PlaybackDecodeErrorf(format string, a ...any) PlaybackDecodeError {
	return PlaybackDecodeError(fmt.Errorf(format, a...))
}

// NegotiationError is returned when the avatar peer negotiation fails:
// offer creation, remote answer application, or transport setup.
type NegotiationError error

func NewNegotiationError(message string) NegotiationError {
	return NegotiationError(errors.New(message))
}

func NegotiationErrorf(format string, a ...any) NegotiationError {
	return NegotiationError(fmt.Errorf(format, a...))
}

// ProtocolError is a server-reported error code and message.
type ProtocolError error

func NewProtocolError(message string) ProtocolError {
	return ProtocolError(errors.New(message))
}

func ProtocolErrorf(format string, a ...any) ProtocolError {
	return ProtocolError(fmt.Errorf(format, a...))
}

var (
	// ErrNoDeviceAvailable indicates that no capture device is present.
	ErrNoDeviceAvailable = errors.New("no capture device available")

	// ErrDeviceStartFailed indicates that a capture device exists but
	// could not be opened.
	ErrDeviceStartFailed = errors.New("capture device start failed")

	// ErrDeviceDisposed indicates an operation on an output device whose
	// underlying handle has already been released.
	ErrDeviceDisposed = errors.New("output device has been disposed")
)
