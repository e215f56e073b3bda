package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/models"
)

// Customer-facing copy is Spanish for the deployment market. Everything the
// customer reads is built here so the machines stay free of literals.

func listProducts(products []models.Product) string {
	var b strings.Builder
	for i, p := range products {
		if i > 0 {
			b.WriteString("\n")
		}
		if p.UnitPrice > 0 {
			fmt.Fprintf(&b, "%d) %s — $%.2f", i+1, p.Name, p.UnitPrice)
		} else {
			fmt.Fprintf(&b, "%d) %s", i+1, p.Name)
		}
	}
	return b.String()
}

func listBranches(branches []models.Branch) string {
	var b strings.Builder
	for i, br := range branches {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d) %s", i+1, br.Name)
	}
	return b.String()
}

func listDates(dates []string) string {
	var b strings.Builder
	for i, d := range dates {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d) %s", i+1, formatDateSpanish(d))
	}
	return b.String()
}

// Engine-level copy.

func msgUnknownIntent() string {
	return "¡Hola! Soy el asistente de pedidos. Puedo ayudarte a:\n" +
		"1) Hacer un pedido nuevo\n" +
		"2) Cambiar un pedido existente\n" +
		"3) Consultar el estado de tu pedido\n" +
		"Cuéntame qué necesitas."
}

func msgFlowNotAvailable() string {
	return "Por el momento no puedo ayudarte con eso por este medio. Un compañero del equipo puede atenderte si escribes \"agente\"."
}

func msgCancelAck() string {
	return "Listo, cancelé el proceso. Si necesitas algo más, aquí estoy."
}

func msgNothingToCancel() string {
	return "No tienes ningún trámite en curso. ¿Te ayudo con un pedido?"
}

func msgAgentComing() string {
	return "Claro, le paso tu conversación a un compañero del equipo. Te contactará en breve."
}

func msgFlowBusy(kind models.FlowKind) string {
	var what string
	switch kind {
	case models.FlowKindOrderCreate:
		what = "tu pedido nuevo"
	case models.FlowKindOrderModify:
		what = "el cambio a tu pedido"
	case models.FlowKindOrderStatus:
		what = "la consulta de tu pedido"
	default:
		what = "tu trámite"
	}
	return fmt.Sprintf("Seguimos con %s. Si prefieres empezar de nuevo, escribe \"cancelar\".", what)
}

func msgGenericTrouble() string {
	return "Algo salió mal de mi lado. Un compañero del equipo va a revisar tu caso."
}

func msgCaseResolved(instruction string) string {
	if instruction == "" {
		return "Un compañero del equipo revisó tu caso y ya quedó atendido. ¿Te ayudo con algo más?"
	}
	return fmt.Sprintf("Un compañero del equipo revisó tu caso: %s", instruction)
}

// Shared flow copy.

func msgNoMatch() string {
	return "No encontré esa opción. ¿Me lo repites? Puedes responder con el número."
}

func msgBackendDown() string {
	return "No pude consultar el sistema en este momento. Inténtalo de nuevo en unos minutos, por favor."
}

func msgAuthorizationEscalated() string {
	return "Necesito que un compañero del equipo revise esta operación. Te contactamos en breve, no hace falta que repitas nada."
}

func msgUncertainOutcome() string {
	return "Tuve un problema técnico y no estoy seguro de que la operación se haya registrado. " +
		"Un compañero del equipo lo va a verificar y te confirmamos en breve. Por favor no repitas el pedido."
}

func msgPolicyDenied(reason string) string {
	if reason == "" {
		reason = "la política de la tienda no lo permite"
	}
	return fmt.Sprintf("No puedo hacer esa operación: %s.", reason)
}

func msgAlternatives(alternatives []string) string {
	if len(alternatives) == 0 {
		return ""
	}
	pretty := make([]string, len(alternatives))
	for i, a := range alternatives {
		if _, err := time.Parse("2006-01-02", a); err == nil {
			pretty[i] = formatDateSpanish(a)
		} else {
			pretty[i] = a
		}
	}
	return "Opciones disponibles: " + strings.Join(pretty, ", ") + "."
}

// Create flow copy.

func msgProductPrompt(products []models.Product) string {
	return "¿Qué producto te gustaría pedir?\n" + listProducts(products)
}

func msgNoCatalog() string {
	return "Por el momento no tenemos productos disponibles para pedir por este medio. Inténtalo más tarde, por favor."
}

func msgBranchPrompt(branches []models.Branch) string {
	return "¿En qué sucursal lo recoges?\n" + listBranches(branches)
}

func msgBranchAutoPicked(name string) string {
	return fmt.Sprintf("Tu pedido será en nuestra sucursal %s.", name)
}

func msgDatePrompt(dates []string) string {
	return "¿Para qué fecha lo necesitas?\n" + listDates(dates)
}

func msgDateAutoPicked(iso string) string {
	return fmt.Sprintf("La única fecha disponible es el %s, así que la aparté para ti.", formatDateSpanish(iso))
}

func msgNoDates() string {
	return "Por ahora no hay fechas de entrega disponibles. Inténtalo más tarde o escribe \"agente\" para hablar con el equipo."
}

func msgQuantityPrompt(productName string) string {
	return fmt.Sprintf("¿Cuántas piezas de %s quieres?", productName)
}

func msgConfirmPrompt(summary, phrase string, window time.Duration) string {
	minutes := int(window.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("Este es tu pedido:\n%s\n\nEscribe \"%s\" para confirmarlo (tienes %d minutos) o \"cancelar\" para descartarlo.",
		summary, phrase, minutes)
}

func msgExplicitConfirmNeeded(phrase string) string {
	return fmt.Sprintf("Para confirmar necesito que escribas exactamente \"%s\".", phrase)
}

func msgConfirmOrCancel(phrase string) string {
	return fmt.Sprintf("Para confirmar escribe \"%s\". Si prefieres descartarlo, escribe \"cancelar\".", phrase)
}

func msgConfirmExpiredRestaged() string {
	return "Tu ventana de confirmación expiró, así que volví a verificar la disponibilidad. Este es el resumen actualizado:"
}

func msgUnavailable(reason string) string {
	if reason == "" {
		reason = "esa opción ya no está disponible"
	}
	return fmt.Sprintf("Uy, %s.", reason)
}

func msgPickAnotherDate() string {
	return "¿Te funciona otra fecha?"
}

func msgCommitSuccessCreate(orderRef string) string {
	return fmt.Sprintf("¡Listo! Tu pedido quedó confirmado con la referencia %s. Guárdala para cualquier cambio o consulta. ¡Te esperamos!", orderRef)
}

// Modify flow copy.

func msgOrderRefPrompt() string {
	return "¿Cuál es la referencia de tu pedido? La encuentras en tu mensaje de confirmación (por ejemplo, ORD-1234)."
}

func msgOrderNotFound() string {
	return "No encontré ningún pedido con esa referencia. Revísala y mándamela de nuevo, por favor."
}

func msgOwnershipFailed() string {
	return "Por seguridad solo puedo mostrar pedidos hechos desde este número. Si el pedido es tuyo, escribe \"agente\" para que el equipo te ayude."
}

func describeOrder(o *models.Order) string {
	var items []string
	for _, it := range o.Items {
		items = append(items, fmt.Sprintf("%d x %s", it.Quantity, it.Name))
	}
	return fmt.Sprintf("%s: %s, entrega el %s", o.Ref, strings.Join(items, ", "), formatDateSpanish(o.DeliveryDate))
}

func msgVerifyOrder(o *models.Order) string {
	return fmt.Sprintf("Encontré este pedido:\n%s\n¿Es el pedido que quieres cambiar? (sí/no)", describeOrder(o))
}

func msgVerifyRejected() string {
	return "De acuerdo. Mándame la referencia correcta, por favor."
}

func msgChangeTypePrompt() string {
	return "¿Qué quieres cambiar?\n1) Fecha de entrega\n2) Sucursal\n3) Cantidad"
}

func msgChangeDenied(ct models.ChangeType) string {
	switch ct {
	case models.ChangeTypeDate:
		return "La política de la tienda ya no permite cambiar la fecha de este pedido. ¿Quieres cambiar otra cosa?"
	case models.ChangeTypeBranch:
		return "La política de la tienda ya no permite cambiar la sucursal de este pedido. ¿Quieres cambiar otra cosa?"
	default:
		return "Ese cambio no está permitido para este pedido. ¿Quieres cambiar otra cosa?"
	}
}

func msgNewDatePrompt(dates []string) string {
	return "¿Para qué nueva fecha?\n" + listDates(dates)
}

func msgNewBranchPrompt(branches []models.Branch) string {
	return "¿A qué sucursal lo movemos?\n" + listBranches(branches)
}

func msgNewQuantityPrompt() string {
	return "¿Cuántas piezas quieres en total?"
}

func msgCommitSuccessModify(orderRef string) string {
	return fmt.Sprintf("¡Hecho! El cambio a tu pedido %s quedó aplicado.", orderRef)
}

// Status flow copy.

func msgStatusRefPrompt() string {
	return "¿Cuál es la referencia del pedido que quieres consultar?"
}

var orderStatusSpanish = map[models.OrderStatus]string{
	models.OrderStatusPending:   "pendiente de confirmación",
	models.OrderStatusConfirmed: "confirmado",
	models.OrderStatusReady:     "listo para recoger",
	models.OrderStatusDelivered: "entregado",
	models.OrderStatusCancelled: "cancelado",
}

func msgOrderStatus(o *models.Order) string {
	status, ok := orderStatusSpanish[o.Status]
	if !ok {
		status = strings.ToLower(string(o.Status))
	}
	return fmt.Sprintf("Tu pedido %s está %s. Entrega: %s. ¿Algo más en lo que te ayude?",
		o.Ref, status, formatDateSpanish(o.DeliveryDate))
}

// Summary builders. The confirmation summary is the exact text the customer
// approves; the commit payload is built from the same draft fields.

func summaryCreate(d *models.OrderCreateDraft) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d x %s", d.Quantity, d.ProductName)
	if d.BranchName != "" {
		fmt.Fprintf(&b, "\nSucursal: %s", d.BranchName)
	}
	fmt.Fprintf(&b, "\nEntrega: %s", formatDateSpanish(d.DeliveryDate))
	return b.String()
}

// describeChange renders the delta in customer words. newValueDisplay is the
// prettified value: a Spanish date, a branch name, or the plain quantity.
func describeChange(ct models.ChangeType, newValueDisplay string) string {
	var what string
	switch ct {
	case models.ChangeTypeDate:
		what = "la fecha de entrega"
	case models.ChangeTypeBranch:
		what = "la sucursal"
	case models.ChangeTypeQuantity:
		what = "la cantidad"
	default:
		what = string(ct)
	}
	return fmt.Sprintf("cambiar %s a %s", what, newValueDisplay)
}

func summaryModify(d *models.OrderModifyDraft, newValueDisplay string) string {
	return fmt.Sprintf("Pedido %s: %s", d.OrderRef, describeChange(d.ChangeType, newValueDisplay))
}
