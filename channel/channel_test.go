package channel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/notifly/channel"
)

func ctx() context.Context { return context.Background() }

func TestStubValidation(t *testing.T) {
	cases := []struct {
		name      string
		sender    channel.Sender
		recipient string
		code      string
	}{
		{"email ok", channel.NewStubEmail(), "a@b.com", ""},
		{"email bad", channel.NewStubEmail(), "not-an-email", channel.CodeInvalidEmail},
		{"sms ok", channel.NewStubSMS(), "+15550001111", ""},
		{"sms short", channel.NewStubSMS(), "12345", channel.CodeInvalidPhone},
		{"push ok", channel.NewStubPush(), "abcdefghijklmnopqrstuvwxyz", ""},
		{"push short", channel.NewStubPush(), "exactly-twenty-chars", channel.CodeInvalidDeviceToken},
	}
	for _, tc := range cases {
		res := tc.sender.Send(ctx(), channel.Message{Recipient: tc.recipient})
		if tc.code == "" && !res.Success {
			t.Fatalf("%s: expected success, got %+v", tc.name, res)
		}
		if tc.code != "" && (res.Success || res.ErrorCode != tc.code) {
			t.Fatalf("%s: expected %s, got %+v", tc.name, tc.code, res)
		}
	}
}

func TestRegistryNormalizesNames(t *testing.T) {
	r := channel.NewStubRegistry()
	if !r.Has("email") || !r.Has(" Sms ") {
		t.Fatal("lookup should be case-insensitive")
	}
	names := r.Names()
	if len(names) != 3 || names[0] != channel.Email {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestRegistryUnsupported(t *testing.T) {
	r := channel.NewRegistry()
	res := r.Send(ctx(), "FAX", channel.Message{Recipient: "x"}, time.Second)
	if res.Success || res.ErrorCode != channel.CodeUnsupported {
		t.Fatalf("expected unsupported, got %+v", res)
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := channel.NewRegistry()
	r.Register(channel.Email, channel.SenderFunc(func(ctx context.Context, _ channel.Message) channel.Result {
		<-ctx.Done()
		return channel.Result{}
	}))

	res := r.Send(ctx(), channel.Email, channel.Message{}, 20*time.Millisecond)
	if res.Success || res.ErrorCode != channel.CodeTimeout {
		t.Fatalf("expected timeout failure, got %+v", res)
	}
}

func TestResultErr(t *testing.T) {
	if channel.Succeeded(3).Err(channel.Email) != nil {
		t.Fatal("success must not produce an error")
	}
	err := channel.Failed("X", "boom").Err(channel.SMS)
	if !errors.Is(err, channel.ErrSend) {
		t.Fatalf("expected ErrSend, got %v", err)
	}
	var se *channel.SendError
	if !errors.As(err, &se) || se.Channel != channel.SMS || se.Code != "X" {
		t.Fatalf("unexpected send error %+v", se)
	}
}
