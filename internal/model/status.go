package model

import "strings"

// OrderStatus is the closed set of lifecycle states an order moves through.
// The string value is the wire form used by the gateway webhook, the admin
// API and the database.
type OrderStatus string

const (
	StatusPendente                OrderStatus = "Pendente"
	StatusPago                    OrderStatus = "Pago"
	StatusEnviado                 OrderStatus = "Enviado"
	StatusEntregue                OrderStatus = "Entregue"
	StatusCancelado               OrderStatus = "Cancelado"
	StatusReembolsoSolicitado     OrderStatus = "ReembolsoSolicitado"
	StatusAguardandoDevolucao     OrderStatus = "AguardandoDevolução"
	StatusReembolsado             OrderStatus = "Reembolsado"
	StatusReembolsoReprovado      OrderStatus = "ReembolsoReprovado"
	StatusReembolsadoParcialmente OrderStatus = "ReembolsadoParcialmente"
)

// statusLabels is the static two-way table between wire values and the
// human-readable labels the admin UI reads and writes. No reflection:
// the set is closed and both directions are spelled out here.
var statusLabels = map[OrderStatus]string{
	StatusPendente:                "Pendente",
	StatusPago:                    "Pago",
	StatusEnviado:                 "Enviado",
	StatusEntregue:                "Entregue",
	StatusCancelado:               "Cancelado",
	StatusReembolsoSolicitado:     "Reembolso Solicitado",
	StatusAguardandoDevolucao:     "Aguardando Devolução",
	StatusReembolsado:             "Reembolsado",
	StatusReembolsoReprovado:      "Reembolso Reprovado",
	StatusReembolsadoParcialmente: "Reembolsado Parcialmente",
}

var statusByName = func() map[string]OrderStatus {
	m := make(map[string]OrderStatus, 2*len(statusLabels))
	for status, label := range statusLabels {
		m[strings.ToLower(string(status))] = status
		m[strings.ToLower(label)] = status
	}
	return m
}()

// Label returns the human-readable form of the status, or the raw value if
// the status is unknown.
func (s OrderStatus) Label() string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

// Known reports whether s belongs to the closed status vocabulary.
func (s OrderStatus) Known() bool {
	_, ok := statusLabels[s]
	return ok
}

// ParseOrderStatus resolves either the wire value or the human label,
// case-insensitively, into a status.
func ParseOrderStatus(v string) (OrderStatus, bool) {
	s, ok := statusByName[strings.ToLower(strings.TrimSpace(v))]
	return s, ok
}

// refundTerminal holds the states after which an admin-driven gateway
// refund must not be issued again.
var refundTerminal = map[OrderStatus]bool{
	StatusCancelado:               true,
	StatusReembolsado:             true,
	StatusReembolsadoParcialmente: true,
}

// RefundSettled reports whether the order already went through a refund or
// cancellation, blocking a second gateway refund.
func (s OrderStatus) RefundSettled() bool {
	return refundTerminal[s]
}
