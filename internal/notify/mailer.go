package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"ms-settlement/internal/config"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
	"ms-settlement/internal/utils"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends buyer confirmations over SMTP.
type Mailer struct {
	cfg  config.EmailConfig
	send sendFunc
	log  *logger.Logger
}

func NewMailer(cfg config.EmailConfig, log *logger.Logger) *Mailer {
	return &Mailer{cfg: cfg, send: smtp.SendMail, log: log}
}

func (m *Mailer) SendTicketConfirmation(ctx context.Context, ticket models.Ticket, event models.Event) error {
	subject := fmt.Sprintf("Your ticket for %s", event.Name)
	var b strings.Builder
	name := ticket.GuestName
	if name == "" {
		name = "there"
	}
	fmt.Fprintf(&b, "Hi %s,\r\n\r\n", name)
	fmt.Fprintf(&b, "Your payment of %s is confirmed.\r\n\r\n", utils.FormatMinor(ticket.Amount, ticket.Currency))
	fmt.Fprintf(&b, "Event:  %s\r\n", event.Name)
	fmt.Fprintf(&b, "Tier:   %s\r\n", ticket.TierName)
	fmt.Fprintf(&b, "Ticket: %s\r\n", ticket.TicketNumber)
	if ticket.QRURL != "" {
		fmt.Fprintf(&b, "QR:     %s\r\n", ticket.QRURL)
	}
	fmt.Fprintf(&b, "\r\nShow the QR code at the gate.\r\n")
	return m.deliver(ctx, ticket.GuestEmail, subject, b.String())
}

func (m *Mailer) SendVoteConfirmation(ctx context.Context, vote models.Vote, candidate models.Candidate, event models.Event) error {
	subject := fmt.Sprintf("Your votes for %s", candidate.Name)
	body := fmt.Sprintf("Hi,\r\n\r\n%d vote(s) for %s in %s were recorded (%s).\r\nReference: %s\r\n",
		vote.Weight, candidate.Name, event.Name, utils.FormatMinor(vote.Amount, event.Currency), vote.PaymentReference)
	return m.deliver(ctx, vote.VoterEmail, subject, body)
}

func (m *Mailer) deliver(ctx context.Context, to, subject, body string) error {
	if to == "" {
		return nil
	}
	msg := buildMessage(m.cfg.From, to, subject, body)
	addr := m.cfg.SMTPHost + ":" + m.cfg.SMTPPort

	var a smtp.Auth
	if m.cfg.SMTPUsername != "" {
		a = smtp.PlainAuth("", m.cfg.SMTPUsername, m.cfg.SMTPPassword, m.cfg.SMTPHost)
	}

	// net/smtp has no context support, so the caller's deadline is enforced
	// around the call.
	done := make(chan error, 1)
	go func() { done <- m.send(addr, a, m.cfg.From, []string{to}, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send %q to %s: %w", subject, to, err)
		}
		m.log.Info("EMAIL", fmt.Sprintf("Sent %q to %s", subject, to))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send %q to %s: %w", subject, to, ctx.Err())
	}
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// LogNotifier only logs confirmations. Used when SMTP is not configured.
type LogNotifier struct {
	Log *logger.Logger
}

func (n LogNotifier) SendTicketConfirmation(_ context.Context, ticket models.Ticket, event models.Event) error {
	n.Log.Info("EMAIL", fmt.Sprintf("SMTP disabled; ticket %s for %s not emailed to %s", ticket.TicketNumber, event.Name, ticket.GuestEmail))
	return nil
}

func (n LogNotifier) SendVoteConfirmation(_ context.Context, vote models.Vote, candidate models.Candidate, _ models.Event) error {
	n.Log.Info("EMAIL", fmt.Sprintf("SMTP disabled; %d vote(s) for %s not emailed to %s", vote.Weight, candidate.Name, vote.VoterEmail))
	return nil
}
