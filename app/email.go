package app

import (
	"context"

	"github.com/letsconnect/flowkit/logger"
	"go.uber.org/zap"
)

type Email struct {
	To      string
	Subject string
	Body    string
}

// EmailSender is the outbound email transport collaborator.
type EmailSender interface {
	Send(ctx context.Context, email Email) error
}

// LogEmailSender writes outbound mail to the log instead of a transport.
// Used in development and as the default when no transport is configured.
type LogEmailSender struct{}

func (LogEmailSender) Send(ctx context.Context, email Email) error {
	logger.Info("outbound email", zap.String("to", email.To), zap.String("subject", email.Subject))
	return nil
}
