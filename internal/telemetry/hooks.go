package telemetry

import (
	"github.com/rs/zerolog"
)

// Hooks implements mcp-go server lifecycle callbacks for basic telemetry and
// structured logging. It is intentionally minimal; metrics backends can be
// added later under this package.
type Hooks struct {
	logger zerolog.Logger
}

// NewHooks constructs a Hooks instance with the provided logger.
func NewHooks(logger zerolog.Logger) *Hooks {
	return &Hooks{logger: logger}
}

// OnSessionStart records the start of a client session.
func (h *Hooks) OnSessionStart(sessionID string) {
	h.logger.Info().Str("session_id", sessionID).Msg("session registered")
}

// OnSessionEnd records the end of a client session.
func (h *Hooks) OnSessionEnd(sessionID string) {
	h.logger.Info().Str("session_id", sessionID).Msg("session unregistered")
}

// OnListTools logs a discovery call and the count of tools returned.
func (h *Hooks) OnListTools(count int) {
	h.logger.Info().Int("tools", count).Msg("list_tools served")
}

// OnToolCall logs a completed tool invocation.
func (h *Hooks) OnToolCall(toolName string) {
	h.logger.Info().Str("tool", toolName).Msg("tool call served")
}

// OnResourceRead logs a completed resource read.
func (h *Hooks) OnResourceRead(uri string) {
	h.logger.Info().Str("uri", uri).Msg("resource read served")
}

// OnError logs a request-level error surfaced by the transport.
func (h *Hooks) OnError(method string, err error) {
	h.logger.Error().Str("method", method).Err(err).Msg("request error")
}
