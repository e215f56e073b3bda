package flow

import (
	"testing"

	"github.com/BakeDesk/OrderPilot/internal/models"
)

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		text   string
		want   models.FlowKind
		wantOK bool
	}{
		{"quiero una rosca", models.FlowKindOrderCreate, true},
		{"Quiero hacer un pedido", models.FlowKindOrderCreate, true},
		{"me apartas un pastel", models.FlowKindOrderCreate, true},
		{"quiero cambiar mi pedido", models.FlowKindOrderModify, true},
		{"necesito reagendar la entrega", models.FlowKindOrderModify, true},
		{"¿cuál es el estado de mi pedido?", models.FlowKindOrderStatus, true},
		{"¿cómo va mi pedido?", models.FlowKindOrderStatus, true},
		{"quiero consultar mi pedido", models.FlowKindOrderStatus, true},
		{"hola buenas tardes", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ClassifyIntent(tt.text)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ClassifyIntent(%q) = (%q, %v); want (%q, %v)", tt.text, got, ok, tt.want, tt.wantOK)
		}
	}
}

// Status and modify phrasings usually embed create verbs; classification
// order must keep them out of the create flow.
func TestClassifyIntentPrecedence(t *testing.T) {
	if got, _ := ClassifyIntent("quiero cambiar la fecha de mi pedido"); got != models.FlowKindOrderModify {
		t.Errorf("got %q; want %q", got, models.FlowKindOrderModify)
	}
	if got, _ := ClassifyIntent("quiero saber el estatus de mi rosca"); got != models.FlowKindOrderStatus {
		t.Errorf("got %q; want %q", got, models.FlowKindOrderStatus)
	}
}

func TestCancelRequested(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"cancelar", true},
		{"CANCELA eso por favor", true},
		{"mejor ya no", true},
		{"olvídalo", true},
		{"quiero una rosca", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := CancelRequested(tt.text); got != tt.want {
			t.Errorf("CancelRequested(%q) = %v; want %v", tt.text, got, tt.want)
		}
	}
}

func TestAgentRequested(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"quiero hablar con un agente", true},
		{"pásame con un humano", true},
		{"necesito hablar con alguien", true},
		{"quiero una rosca", false},
	}
	for _, tt := range tests {
		if got := AgentRequested(tt.text); got != tt.want {
			t.Errorf("AgentRequested(%q) = %v; want %v", tt.text, got, tt.want)
		}
	}
}
