package session

import (
	"errors"

	"github.com/openwhisper/transcriber/internal/engine"
)

// Error codes reported to consumers.
const (
	CodeModel       = "whisper_model_error"
	CodeAudioDevice = "audio_device_error"
	CodeInternal    = "internal_error"
	CodeDatabase    = "database_error"
)

const unexpectedMessage = "An unexpected error occurred"

// Error is a session-level failure carrying the code sent to the consumer.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code + ": " + e.Message
	}
	return e.Code + ": " + e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ModelError wraps a failure to load or run the model.
func ModelError(err error) *Error {
	return &Error{Code: CodeModel, Message: "Whisper model error: " + errText(err), Err: err}
}

// AudioError wraps an audio source failure.
func AudioError(err error) *Error {
	return &Error{Code: CodeAudioDevice, Message: "Audio device error: " + errText(err), Err: err}
}

// DatabaseError wraps a persistence failure.
func DatabaseError(message string, err error) *Error {
	return &Error{Code: CodeDatabase, Message: message, Err: err}
}

// CodeOf maps any error to the code reported to consumers.
func CodeOf(err error) string {
	var se *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return se.Code
	case errors.Is(err, engine.ErrModelNotLoaded), errors.Is(err, engine.ErrNativeEngineUnavailable):
		return CodeModel
	default:
		return CodeInternal
	}
}

// MessageOf returns the human readable message for err. Unexpected errors
// get a generic message so internals are not leaked.
func MessageOf(err error) string {
	var se *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return se.Message
	case CodeOf(err) == CodeModel:
		return "Whisper model error: " + err.Error()
	default:
		return unexpectedMessage
	}
}

func errText(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
