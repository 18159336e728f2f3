// Package notification delivers outbound customer emails and security
// alerts. Delivery is deliberately fire-and-forget: messages are queued and
// posted by a background worker, and a failed delivery is logged and
// dropped — it must never surface into an order workflow.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/printaria/printaria-system/internal/model"
)

const queueCapacity = 256

type message struct {
	url     string
	payload any
}

type mailPayload struct {
	UserID      int64  `json:"userId"`
	OrderNumber string `json:"orderNumber"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

type securityPayload struct {
	Kind           string `json:"kind"`
	OrderID        int64  `json:"orderId"`
	OrderNumber    string `json:"orderNumber"`
	UserID         int64  `json:"userId"`
	TransactionID  string `json:"transactionId"`
	ExpectedAmount int64  `json:"expectedAmount"`
	ReportedAmount int64  `json:"reportedAmount"`
	IP             string `json:"ip"`
	UserAgent      string `json:"userAgent"`
	At             string `json:"at"`
}

// Notifier queues notifications and posts them from a background worker.
type Notifier struct {
	mailURL     string
	securityURL string
	httpClient  *http.Client
	logger      *zap.Logger
	queue       chan message
}

// NewNotifier builds the notifier. Empty URLs disable the respective sink.
func NewNotifier(mailURL, securityURL string, logger *zap.Logger) *Notifier {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 1
	rc.Logger = nil
	rc.HTTPClient.Timeout = 5 * time.Second

	return &Notifier{
		mailURL:     mailURL,
		securityURL: securityURL,
		httpClient:  rc.StandardClient(),
		logger:      logger,
		queue:       make(chan message, queueCapacity),
	}
}

// Start runs the delivery worker until the context is cancelled.
func (n *Notifier) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-n.queue:
				n.deliver(msg)
			}
		}
	}()
}

func (n *Notifier) deliver(msg message) {
	body, err := json.Marshal(msg.payload)
	if err != nil {
		n.logger.Warn("notification encode failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("notification request failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Warn("notification delivery failed", zap.String("url", msg.url), zap.Error(err))
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		n.logger.Warn("notification rejected",
			zap.String("url", msg.url), zap.Int("status", resp.StatusCode))
	}
}

// enqueue never blocks; when the queue is full the message is dropped with
// a log line. Best-effort by contract.
func (n *Notifier) enqueue(url string, payload any) {
	if url == "" {
		return
	}
	select {
	case n.queue <- message{url: url, payload: payload}:
	default:
		n.logger.Warn("notification queue full, dropping message", zap.String("url", url))
	}
}

// OrderReceived tells the customer the order was registered and that stock
// is reserved only on payment confirmation.
func (n *Notifier) OrderReceived(o *model.Order) {
	n.enqueue(n.mailURL, mailPayload{
		UserID:      o.UserID,
		OrderNumber: o.Number,
		Subject:     "Recebemos seu pedido",
		Body: fmt.Sprintf("Seu pedido %s foi registrado e aguarda pagamento. "+
			"O estoque será reservado na confirmação do pagamento.", o.Number),
	})
}

// PaymentConfirmed tells the customer the payment was approved.
func (n *Notifier) PaymentConfirmed(o *model.Order) {
	n.enqueue(n.mailURL, mailPayload{
		UserID:      o.UserID,
		OrderNumber: o.Number,
		Subject:     "Pagamento aprovado",
		Body:        fmt.Sprintf("O pagamento do pedido %s foi aprovado e ele já está em produção.", o.Number),
	})
}

// PaymentRefundPending tells the customer the payment will be refunded
// because the named items ran out of stock.
func (n *Notifier) PaymentRefundPending(o *model.Order, itemNames []string) {
	body := fmt.Sprintf("O pedido %s foi cancelado por falta de estoque", o.Number)
	if len(itemNames) > 0 {
		body += " dos itens: "
		for i, name := range itemNames {
			if i > 0 {
				body += ", "
			}
			body += name
		}
	}
	body += ". O valor pago será estornado."

	n.enqueue(n.mailURL, mailPayload{
		UserID:      o.UserID,
		OrderNumber: o.Number,
		Subject:     "Pedido cancelado — reembolso a caminho",
		Body:        body,
	})
}

// statusTemplates maps each notified status to its mail template. Statuses
// absent from the table send nothing.
var statusTemplates = map[model.OrderStatus]struct {
	subject string
	body    string
}{
	model.StatusPago:                    {"Pagamento aprovado", "O pagamento do pedido %s foi aprovado."},
	model.StatusEnviado:                 {"Pedido enviado", "Seu pedido %s foi enviado."},
	model.StatusEntregue:                {"Pedido entregue", "Seu pedido %s foi entregue."},
	model.StatusCancelado:               {"Pedido cancelado", "Seu pedido %s foi cancelado."},
	model.StatusReembolsoSolicitado:     {"Reembolso solicitado", "Recebemos a solicitação de reembolso do pedido %s."},
	model.StatusAguardandoDevolucao:     {"Aguardando devolução", "Aguardamos a devolução dos itens do pedido %s."},
	model.StatusReembolsado:             {"Reembolso processado", "O reembolso do pedido %s foi processado."},
	model.StatusReembolsadoParcialmente: {"Reembolso parcial processado", "O reembolso parcial do pedido %s foi processado."},
	model.StatusReembolsoReprovado:      {"Reembolso reprovado", "A solicitação de reembolso do pedido %s foi reprovada."},
}

// StatusChanged sends the status-specific template, or nothing for
// statuses without one.
func (n *Notifier) StatusChanged(o *model.Order, status model.OrderStatus) {
	tpl, ok := statusTemplates[status]
	if !ok {
		return
	}
	body := fmt.Sprintf(tpl.body, o.Number)
	if status == model.StatusEnviado && o.TrackingCode != "" {
		body += " Código de rastreio: " + o.TrackingCode
	}
	if status == model.StatusAguardandoDevolucao && o.ReturnInstructions != "" {
		body += " " + o.ReturnInstructions
	}

	n.enqueue(n.mailURL, mailPayload{
		UserID:      o.UserID,
		OrderNumber: o.Number,
		Subject:     tpl.subject,
		Body:        body,
	})
}

// SecurityAlert forwards the full forensic detail of a reconciliation
// incident to the security channel.
func (n *Notifier) SecurityAlert(a model.SecurityAlert) {
	n.enqueue(n.securityURL, securityPayload{
		Kind:           "payment_amount_mismatch",
		OrderID:        a.OrderID,
		OrderNumber:    a.OrderNumber,
		UserID:         a.UserID,
		TransactionID:  a.TransactionID,
		ExpectedAmount: a.ExpectedAmount,
		ReportedAmount: a.ReportedAmount,
		IP:             a.IP,
		UserAgent:      a.UserAgent,
		At:             a.At.UTC().Format(time.RFC3339),
	})
}
