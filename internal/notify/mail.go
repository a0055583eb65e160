package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/mail.v2"
)

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	Timeout  time.Duration
}

// Sender is satisfied by *mail.Dialer.
type Sender interface {
	DialAndSend(m ...*mail.Message) error
}

// MailNotifier emails a plain text notice for each event.
type MailNotifier struct {
	from   string
	to     []string
	sender Sender
}

func NewMailNotifier(cfg MailConfig) (*MailNotifier, error) {
	if cfg.Host == "" {
		return nil, errors.New("notify: smtp host is required")
	}
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.Timeout > 0 {
		d.Timeout = cfg.Timeout
	}
	return NewMailNotifierWithSender(cfg, d)
}

func NewMailNotifierWithSender(cfg MailConfig, sender Sender) (*MailNotifier, error) {
	if len(cfg.To) == 0 {
		return nil, errors.New("notify: at least one recipient is required")
	}
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	if from == "" {
		return nil, errors.New("notify: sender address is required")
	}
	return &MailNotifier{from: from, to: cfg.To, sender: sender}, nil
}

func (n *MailNotifier) Notify(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := mail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", n.to...)
	m.SetHeader("Subject", Subject(e))
	m.SetBody("text/plain", Body(e))

	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("notify: send mail: %w", err)
	}
	return nil
}

func Subject(e Event) string {
	switch e.Kind {
	case KindDisputeRaised:
		return fmt.Sprintf("Dispute raised on order %s", e.OrderID)
	case KindDisputeUnderReview:
		return fmt.Sprintf("Dispute %s needs admin review", e.DisputeID)
	case KindDisputeResolved:
		return fmt.Sprintf("Dispute %s %s", e.DisputeID, strings.ToLower(e.Status))
	case KindEscrowSettled:
		return fmt.Sprintf("Escrow settled for order %s", e.OrderID)
	}
	return string(e.Kind)
}

func Body(e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event: %s\n", e.Kind)
	fmt.Fprintf(&b, "Order: %s\n", e.OrderID)
	if e.DisputeID != "" {
		fmt.Fprintf(&b, "Dispute: %s\n", e.DisputeID)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, "Status: %s\n", e.Status)
	}
	if e.Verdict != "" {
		fmt.Fprintf(&b, "Verdict: %s\n", e.Verdict)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", e.Message)
	}
	fmt.Fprintf(&b, "\nActor: %s\nAt: %s\n", e.ActorID, e.OccurredAt.UTC().Format(time.RFC3339))
	return b.String()
}
