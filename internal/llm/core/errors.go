package core

import "errors"

var (
	// ErrInvalidRequest indicates missing or malformed provider request input.
	ErrInvalidRequest = errors.New("invalid llm request")
	// ErrMissingAPIKey indicates missing provider API key.
	ErrMissingAPIKey = errors.New("missing api key")
	// ErrEmptyResponse indicates a stream finished without any visible text.
	ErrEmptyResponse = errors.New("empty model response")
	// ErrNoTerminalEvent indicates a stream closed without done or error.
	ErrNoTerminalEvent = errors.New("stream ended without terminal event")
)
