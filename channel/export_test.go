package channel

import (
	"context"

	"github.com/mrz1836/postmark"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type PostmarkFunc func(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)

func (f PostmarkFunc) SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error) {
	return f(ctx, email)
}

type TwilioFunc func(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)

func (f TwilioFunc) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	return f(params)
}

func NewPostmarkSenderWithClient(client PostmarkFunc, cfg PostmarkConfig) *PostmarkSender {
	return &PostmarkSender{client: client, cfg: cfg}
}

func NewTwilioSenderWithClient(api TwilioFunc, from string) *TwilioSender {
	return &TwilioSender{api: api, from: from}
}
