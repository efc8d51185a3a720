package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mrz1836/postmark"
)

// ErrInvalidConfig is returned by provider sender constructors.
var ErrInvalidConfig = errors.New("channel: invalid provider config")

// postmarkAPI is the subset of *postmark.Client used by PostmarkSender.
type postmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkConfig configures the Postmark email sender.
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	From         string
	ReplyTo      string
}

// PostmarkSender sends EMAIL notifications through Postmark's transactional API.
type PostmarkSender struct {
	client postmarkAPI
	cfg    PostmarkConfig
}

// NewPostmarkSender validates cfg and builds a Postmark-backed sender.
func NewPostmarkSender(cfg PostmarkConfig) (*PostmarkSender, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: postmark server token is required", ErrInvalidConfig)
	}
	if !strings.Contains(cfg.From, "@") {
		return nil, fmt.Errorf("%w: postmark sender address %q is invalid", ErrInvalidConfig, cfg.From)
	}
	return &PostmarkSender{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		cfg:    cfg,
	}, nil
}

// Send implements Sender.
func (s *PostmarkSender) Send(ctx context.Context, msg Message) Result {
	if !strings.Contains(msg.Recipient, "@") {
		return Failed(CodeInvalidEmail, "Invalid email format")
	}

	start := time.Now()
	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:     s.cfg.From,
		ReplyTo:  s.cfg.ReplyTo,
		To:       msg.Recipient,
		Subject:  msg.Subject,
		Tag:      msg.EventType,
		TextBody: msg.Content,
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Result{ErrorCode: CodeProvider, ErrorMessage: err.Error(), LatencyMs: latency}
	}
	if resp.ErrorCode > 0 {
		return Result{
			ErrorCode:    fmt.Sprintf("POSTMARK_%d", resp.ErrorCode),
			ErrorMessage: resp.Message,
			LatencyMs:    latency,
		}
	}
	return Succeeded(latency)
}
