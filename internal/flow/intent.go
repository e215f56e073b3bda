package flow

import "github.com/BakeDesk/OrderPilot/internal/models"

// Interrupt keywords are checked before any machine sees the input. Cancel
// beats handoff beats flow advancement.
var (
	cancelKeywords = []string{
		"cancelar", "cancela", "cancelalo", "olvidalo", "olvida",
		"dejalo", "ya no quiero", "ya no", "mejor no",
	}
	agentKeywords = []string{
		"agente", "humano", "asesor", "asesora", "operador",
		"una persona", "con alguien", "ayuda humana",
	}
)

// CancelRequested reports whether the message asks to abandon the flow.
func CancelRequested(text string) bool {
	return containsAnyPhrase(normalizeAnswer(text), cancelKeywords...)
}

// AgentRequested reports whether the message asks for a human.
func AgentRequested(text string) bool {
	return containsAnyPhrase(normalizeAnswer(text), agentKeywords...)
}

// Intent keyword sets, checked in order: status, then modify, then create.
// The order matters because modify and status phrasings usually embed a
// create verb ("quiero cambiar mi pedido").
var (
	statusKeywords = []string{
		"estado", "estatus", "status", "donde va", "como va",
		"cuando llega", "ya esta", "ya estara", "consultar",
		"rastrear", "seguimiento",
	}
	modifyKeywords = []string{
		"cambiar", "modificar", "mover", "reagendar", "cambio",
		"corregir", "actualizar", "otra fecha", "otra sucursal",
	}
	createKeywords = []string{
		"quiero", "pedir", "ordenar", "comprar", "encargar",
		"apartar", "reservar", "hacer un pedido", "nuevo pedido",
		"rosca", "pastel", "pan",
	}
)

// ClassifyIntent maps a message with no active flow to the flow kind it
// starts. Returns false when no keyword matches; the engine answers with the
// capabilities prompt instead of guessing.
func ClassifyIntent(text string) (models.FlowKind, bool) {
	normText := normalizeAnswer(text)
	switch {
	case containsAnyPhrase(normText, statusKeywords...):
		return models.FlowKindOrderStatus, true
	case containsAnyPhrase(normText, modifyKeywords...):
		return models.FlowKindOrderModify, true
	case containsAnyPhrase(normText, createKeywords...):
		return models.FlowKindOrderCreate, true
	default:
		return "", false
	}
}
