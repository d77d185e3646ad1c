package gateway

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/valimikayilov/mcp-email-server/internal/app/connmgr"
	"github.com/valimikayilov/mcp-email-server/internal/app/imapops"
	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
	"github.com/valimikayilov/mcp-email-server/internal/app/smtpops"
)

// SendMessage submits msg through the account's SMTP server. An accepted
// result only means the relay took the message. When the account saves sent
// mail, a failure to store the copy is reported in the result, not as an
// error, since the message is already on its way.
func (g *Gateway) SendMessage(ctx context.Context, account string, msg mailer.OutboundMessage) (*mailer.DeliveryResult, error) {
	recipients, err := smtpops.ValidateRecipients(msg)
	if err != nil {
		return nil, err
	}

	acct, ctx, err := g.resolve(ctx, account, "send_message")
	if err != nil {
		return nil, err
	}
	if !acct.CanSend() {
		return nil, mailer.Validationf("account %q has no SMTP server or sender address configured", acct.Name)
	}

	from := mailer.Address{Name: acct.FullName, Address: acct.EmailAddress}
	raw, messageID, err := smtpops.Compose(from, msg, g.now())
	if err != nil {
		return nil, err
	}
	if err := smtpops.CheckSize(raw, acct.MaxMessageSize); err != nil {
		return nil, err
	}
	if err := g.allowSend(acct); err != nil {
		return nil, g.done(ctx, err)
	}

	err = g.sessions.WithSMTP(ctx, acct, func(s *connmgr.SMTPSession) error {
		return smtpops.Submit(ctx, s, acct.EmailAddress, recipients, raw)
	})
	if err != nil {
		return nil, g.done(ctx, err)
	}

	result := &mailer.DeliveryResult{
		Status:     mailer.DeliveryAccepted,
		MessageID:  messageID,
		Recipients: recipients,
		Size:       len(raw),
		Note:       mailer.RelayNote,
	}
	g.logger.InfoContext(ctx, "message accepted by relay",
		slog.String("message_id", messageID),
		slog.Int("recipients", len(recipients)),
		slog.Int("size", len(raw)))

	if acct.SaveSent && acct.CanReceive() {
		g.saveSent(ctx, acct, raw, result)
	}
	return result, nil
}

func (g *Gateway) saveSent(ctx context.Context, acct mailer.Account, raw []byte, result *mailer.DeliveryResult) {
	var folder string
	err := g.sessions.WithIMAP(ctx, acct, func(s *connmgr.IMAPSession) error {
		var err error
		if folder, err = imapops.ResolveSentFolder(ctx, s, acct.SentFolder); err != nil {
			return err
		}
		return imapops.AppendSent(ctx, s, folder, raw, g.now())
	})
	if err != nil {
		g.logger.WarnContext(ctx, "unable to save sent message", slog.Any("error", err))
		result.SaveError = mailer.AsError(err).Error()
		return
	}
	result.SavedTo = folder
}

// allowSend takes one token from the account's send limiter.
func (g *Gateway) allowSend(acct mailer.Account) error {
	n := acct.SendRatePerMinute
	if n <= 0 {
		return nil
	}

	limiter := g.limiters.GetOrSet(acct.Fingerprint(), func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(float64(n)/60), n)
	})
	if !limiter.Allow() {
		return mailer.CapacityExceeded(mailer.ReasonRateLimited, true,
			"account %q may send %d messages per minute", acct.Name, n)
	}
	return nil
}
