package server

import (
	"log/slog"

	"cipherlend/core/events"
)

// LogEmitter forwards ledger events to the structured log. Amounts surface as
// ciphertext handles only; the emitter never sees plaintext.
type LogEmitter struct {
	log *slog.Logger
}

// NewLogEmitter wraps the logger into an events.Emitter.
func NewLogEmitter(log *slog.Logger) *LogEmitter {
	if log == nil {
		log = slog.Default()
	}
	return &LogEmitter{log: log}
}

// Emit implements events.Emitter.
func (e *LogEmitter) Emit(event events.Event) {
	e.log.Info("ledger event", "type", event.EventType(), "event", event)
}
