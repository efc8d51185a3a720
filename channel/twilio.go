package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// twilioAPI is the subset of the Twilio REST client used by TwilioSender.
type twilioAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioConfig configures the Twilio SMS sender.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
}

// TwilioSender sends SMS notifications through Twilio.
type TwilioSender struct {
	api  twilioAPI
	from string
}

// NewTwilioSender validates cfg and builds a Twilio-backed sender.
func NewTwilioSender(cfg TwilioConfig) (*TwilioSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("%w: twilio account sid and auth token are required", ErrInvalidConfig)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("%w: twilio from number is required", ErrInvalidConfig)
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSender{api: client.Api, from: cfg.From}, nil
}

// Send implements Sender. The Twilio client takes no context; ctx is only
// checked before the call.
func (s *TwilioSender) Send(ctx context.Context, msg Message) Result {
	if len(msg.Recipient) < 10 {
		return Failed(CodeInvalidPhone, "Invalid phone number")
	}
	if err := ctx.Err(); err != nil {
		return Failed(CodeTimeout, err.Error())
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.Recipient)
	params.SetFrom(s.from)
	params.SetBody(msg.Content)

	start := time.Now()
	_, err := s.api.CreateMessage(params)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Result{ErrorCode: CodeProvider, ErrorMessage: err.Error(), LatencyMs: latency}
	}
	return Succeeded(latency)
}
