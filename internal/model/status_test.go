package model

import "testing"

func TestParseOrderStatus(t *testing.T) {
	tests := []struct {
		in   string
		want OrderStatus
		ok   bool
	}{
		{"Pendente", StatusPendente, true},
		{"pago", StatusPago, true},
		{"ReembolsoSolicitado", StatusReembolsoSolicitado, true},
		{"Reembolso Solicitado", StatusReembolsoSolicitado, true},
		{"aguardando devolução", StatusAguardandoDevolucao, true},
		{"AguardandoDevolução", StatusAguardandoDevolucao, true},
		{"  Reembolsado Parcialmente  ", StatusReembolsadoParcialmente, true},
		{"Teleportado", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseOrderStatus(tt.in)
		if ok != tt.ok {
			t.Fatalf("ParseOrderStatus(%q) ok = %v, want %v", tt.in, ok, tt.ok)
		}
		if ok && got != tt.want {
			t.Fatalf("ParseOrderStatus(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestStatusLabelRoundTrip(t *testing.T) {
	for status := range statusLabels {
		parsed, ok := ParseOrderStatus(status.Label())
		if !ok || parsed != status {
			t.Fatalf("label %q of %s does not parse back", status.Label(), status)
		}
		if !status.Known() {
			t.Fatalf("%s must be known", status)
		}
	}

	if OrderStatus("Teleportado").Known() {
		t.Fatalf("unknown status must not be known")
	}
	if got := OrderStatus("Teleportado").Label(); got != "Teleportado" {
		t.Fatalf("unknown status label = %q, want the raw value", got)
	}
}

func TestRefundSettled(t *testing.T) {
	settled := []OrderStatus{StatusCancelado, StatusReembolsado, StatusReembolsadoParcialmente}
	for _, s := range settled {
		if !s.RefundSettled() {
			t.Fatalf("%s must count as settled", s)
		}
	}

	open := []OrderStatus{StatusPendente, StatusPago, StatusEnviado, StatusEntregue,
		StatusReembolsoSolicitado, StatusAguardandoDevolucao, StatusReembolsoReprovado}
	for _, s := range open {
		if s.RefundSettled() {
			t.Fatalf("%s must not count as settled", s)
		}
	}
}
