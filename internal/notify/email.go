package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/jordan-wright/email"
	log "github.com/sirupsen/logrus"

	"github.com/jeet-patel/subscription-ledger/internal/models"
)

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Host string
	Port string
	User string
	Pass string
	From string
}

// EmailNotifier sends a plain-text receipt over SMTP, retrying transient failures.
type EmailNotifier struct {
	cfg          SMTPConfig
	send         func(e *email.Email) error
	buildBackoff func() backoff.BackOff
}

func NewEmailNotifier(cfg SMTPConfig) *EmailNotifier {
	n := &EmailNotifier{cfg: cfg}
	n.send = n.sendSMTP
	n.buildBackoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxElapsedTime = 5 * time.Second
		return b
	}
	return n
}

func (n *EmailNotifier) sendSMTP(e *email.Email) error {
	addr := fmt.Sprintf("%s:%s", n.cfg.Host, n.cfg.Port)
	var auth smtp.Auth
	if n.cfg.User != "" {
		auth = smtp.PlainAuth("", n.cfg.User, n.cfg.Pass, n.cfg.Host)
	}
	return e.Send(addr, auth)
}

func (n *EmailNotifier) PaymentSucceeded(ctx context.Context, r Receipt) error {
	if r.Email == "" {
		log.WithField("user_id", r.UserID).Warn("No email address on profile, skipping receipt")
		return nil
	}

	e := email.NewEmail()
	e.From = n.cfg.From
	e.To = []string{r.Email}
	e.Subject = receiptSubject(r)
	e.Text = []byte(receiptBody(r))

	b := backoff.WithContext(n.buildBackoff(), ctx)
	if err := backoff.Retry(func() error { return n.send(e) }, b); err != nil {
		return fmt.Errorf("failed to send receipt email: %w", err)
	}

	log.WithFields(log.Fields{
		"user_id":    r.UserID,
		"payment_id": r.PaymentID,
	}).Info("Receipt email sent")
	return nil
}

func receiptSubject(r Receipt) string {
	switch r.Kind {
	case models.KindRenewal:
		return "Your subscription has been renewed"
	case models.KindUpgrade:
		return "Your subscription has been upgraded"
	}
	return "Thank you for your purchase"
}

func receiptBody(r Receipt) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment %s confirmed.\n\n", r.PaymentID)
	fmt.Fprintf(&sb, "Product: %s\n", r.ProductName)
	fmt.Fprintf(&sb, "Amount: %s %s\n", formatMinor(r.Amount), r.Currency)
	if r.BonusUsed > 0 {
		fmt.Fprintf(&sb, "Bonus points used: %d\n", r.BonusUsed)
	}
	if r.Cashback > 0 {
		fmt.Fprintf(&sb, "Cashback earned: %d points\n", r.Cashback)
	}
	if r.ExpiresAt != nil {
		fmt.Fprintf(&sb, "Plan: %s, active until %s\n", r.Tier, r.ExpiresAt.Format("2 Jan 2006"))
	}
	return sb.String()
}

// formatMinor renders an amount in minor units as major.minor.
func formatMinor(v int64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
