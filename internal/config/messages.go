package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Messages holds every fixed user-facing reply text. Defaults match the
// deployed wording; operators can override individual entries from a YAML
// file (sales.messagesFile).
type Messages struct {
	// Sent to the customer when the backend is unreachable.
	Unavailable string `yaml:"unavailable"`
	// Sent to the customer when the backend answered without an answer field.
	ProcessingError string `yaml:"processingError"`
	// Sent to the sales agent on a malformed escalation command.
	EscalationUsage string `yaml:"escalationUsage"`
	// Sent to the sales agent after a successful price response.
	EscalationConfirmed string `yaml:"escalationConfirmed"`
	// Prepended to backend-supplied error text sent to the sales agent.
	EscalationErrorPrefix string `yaml:"escalationErrorPrefix"`
	// Sent to the sales agent when the backend call itself failed.
	EscalationFailure string `yaml:"escalationFailure"`
}

// DefaultMessages returns the built-in reply texts for the given escalation
// prefix token.
func DefaultMessages(prefix string) Messages {
	return Messages{
		Unavailable:           "Lo siento, en este momento no puedo procesar tu mensaje. Intenta más tarde.",
		ProcessingError:       "Lo siento, ocurrió un error al procesar tu mensaje.",
		EscalationUsage:       fmt.Sprintf("❌ Formato incorrecto. Usa: %s query_id información_de_precio", prefix),
		EscalationConfirmed:   "✅ Respuesta enviada al cliente correctamente",
		EscalationErrorPrefix: "❌ Error: ",
		EscalationFailure:     "❌ Error al procesar la respuesta. Inténtalo nuevamente.",
	}
}

// LoadMessages merges overrides from a YAML file over the defaults.
// A missing path returns the defaults unchanged.
func LoadMessages(path, prefix string, logger *slog.Logger) Messages {
	msgs := DefaultMessages(prefix)
	if path == "" {
		return msgs
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("cannot read messages file, using defaults", "path", path, "err", err)
		return msgs
	}

	var overrides Messages
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		logger.Warn("cannot parse messages file, using defaults", "path", path, "err", err)
		return msgs
	}

	if overrides.Unavailable != "" {
		msgs.Unavailable = overrides.Unavailable
	}
	if overrides.ProcessingError != "" {
		msgs.ProcessingError = overrides.ProcessingError
	}
	if overrides.EscalationUsage != "" {
		msgs.EscalationUsage = overrides.EscalationUsage
	}
	if overrides.EscalationConfirmed != "" {
		msgs.EscalationConfirmed = overrides.EscalationConfirmed
	}
	if overrides.EscalationErrorPrefix != "" {
		msgs.EscalationErrorPrefix = overrides.EscalationErrorPrefix
	}
	if overrides.EscalationFailure != "" {
		msgs.EscalationFailure = overrides.EscalationFailure
	}

	logger.Info("loaded reply message overrides", "path", path)
	return msgs
}
