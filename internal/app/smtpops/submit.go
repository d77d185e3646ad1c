package smtpops

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
)

// Session is the part of connmgr.SMTPSession submission needs.
type Session interface {
	Do(ctx context.Context, fn func(c *smtp.Client) error) error
	MaxMessageSize() (int64, bool)
}

// Submit hands raw to the relay for recipients. A nil error means the relay
// accepted the message, nothing more. If any recipient is refused the
// transaction is reset and nothing is sent.
func Submit(ctx context.Context, sess Session, from string, recipients []string, raw []byte) error {
	size := int64(len(raw))
	if limit, ok := sess.MaxMessageSize(); ok && size > limit {
		return mailer.CapacityExceeded(mailer.ReasonMessageTooLarge, false,
			"message is %d bytes, the server accepts at most %d", size, limit)
	}

	err := sess.Do(ctx, func(c *smtp.Client) error {
		return c.Mail(from, &smtp.MailOptions{Size: size})
	})
	if err != nil {
		return replyError(err, "sender %s", from)
	}

	var rejected []mailer.RecipientRejection
	for _, rcpt := range recipients {
		err := sess.Do(ctx, func(c *smtp.Client) error {
			return c.Rcpt(rcpt, nil)
		})

		var smtpErr *smtp.SMTPError
		switch {
		case err == nil:
		case errors.As(err, &smtpErr):
			rejected = append(rejected, rejection(rcpt, smtpErr))
		default:
			return err
		}
	}

	if len(rejected) > 0 {
		_ = sess.Do(ctx, func(c *smtp.Client) error {
			return c.Reset()
		})
		return mailer.Rejected(rejected, "", "%d of %d recipients refused, message not sent",
			len(rejected), len(recipients))
	}

	err = sess.Do(ctx, func(c *smtp.Client) error {
		w, err := c.Data()
		if err != nil {
			return err
		}
		return writeAll(w, raw)
	})
	if err != nil {
		return replyError(err, "message data")
	}
	return nil
}

func rejection(addr string, e *smtp.SMTPError) mailer.RecipientRejection {
	return mailer.RecipientRejection{
		Address:      addr,
		Code:         e.Code,
		EnhancedCode: enhancedCode(e.EnhancedCode),
		Message:      e.Message,
		Temporary:    e.Temporary(),
	}
}

func enhancedCode(c smtp.EnhancedCode) string {
	if c[0] <= 0 {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", c[0], c[1], c[2])
}

// replyError maps a refused MAIL or DATA. Errors that are not server
// replies were already classified by the session.
func replyError(err error, format string, args ...any) error {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return err
	}

	what := fmt.Sprintf(format, args...)
	switch {
	case smtpErr.Code == 552 || (smtpErr.EnhancedCode == smtp.EnhancedCode{5, 3, 4}):
		e := mailer.CapacityExceeded(mailer.ReasonMessageTooLarge, false, "server refused %s as too large", what)
		e.ServerText = smtpErr.Message
		return e
	case smtpErr.Code == 421:
		return mailer.TransportFailed(err, "server closed the session at %s", what)
	}

	e := mailer.Rejected(nil, smtpErr.Message, "server refused %s with %d", what, smtpErr.Code)
	e.Retryable = smtpErr.Temporary()
	return e
}
