package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus-server/internal/bus"
	"github.com/chatbus/chatbus-server/internal/envelope"
	"github.com/chatbus/chatbus-server/internal/permission"
	"github.com/chatbus/chatbus-server/internal/sequence"
	"github.com/chatbus/chatbus-server/internal/telemetry"
)

// fakeBus captures published envelopes.
type fakeBus struct {
	published []*envelope.Envelope
	err       error
}

func (f *fakeBus) Publish(_ context.Context, env *envelope.Envelope) (*bus.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, env)
	return &bus.Receipt{MessageID: env.MessageID, Matched: 2}, nil
}

// fakeSequencer counts up per chat.
type fakeSequencer struct {
	next map[string]uint64
	err  error
}

func (f *fakeSequencer) Next(_ context.Context, chatID string) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.next == nil {
		f.next = make(map[string]uint64)
	}
	f.next[chatID]++
	return f.next[chatID], nil
}

// fakePerms authorizes the listed (principal, chat) pairs.
type fakePerms struct {
	allowed map[string]bool
	err     error
}

func (f *fakePerms) Get(_ context.Context, principalID, chatID string) (*permission.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	if !f.allowed[principalID+"/"+chatID] {
		return nil, permission.ErrNotFound
	}
	return &permission.Record{PrincipalID: principalID, ChatID: chatID, Role: permission.RoleMember}, nil
}

func newPublisher(b *fakeBus, seq *fakeSequencer, perms *fakePerms) *Publisher {
	return New(b, seq, perms, telemetry.NewMetrics(), 5*time.Second, zerolog.Nop())
}

func request(messageType envelope.MessageType, chatID string, generateSequence bool) envelope.PublishRequest {
	return envelope.PublishRequest{
		TargetChannel:    envelope.ChannelSession,
		MessageType:      messageType,
		GenerateSequence: generateSequence,
		Payload:          json.RawMessage(`{"chatId":"` + chatID + `","text":"hi"}`),
	}
}

func TestPublishDirectAuthorized(t *testing.T) {
	t.Parallel()
	b := &fakeBus{}
	p := newPublisher(b, &fakeSequencer{}, &fakePerms{allowed: map[string]bool{"alice/chat-y": true}})

	receipt, err := p.PublishDirect(context.Background(), "alice", request(envelope.TypeFIFO, "chat-y", false))
	if err != nil {
		t.Fatalf("PublishDirect() error = %v", err)
	}
	if receipt.MessageID == "" {
		t.Errorf("receipt has no message ID")
	}
	if receipt.GroupID != "chat-y" {
		t.Errorf("GroupID = %q, want defaulted chat-y", receipt.GroupID)
	}
	if receipt.PublishTime.IsZero() {
		t.Errorf("receipt has no publish time")
	}

	if len(b.published) != 1 {
		t.Fatalf("published = %d envelopes, want 1", len(b.published))
	}
	env := b.published[0]
	if env.PrincipalID != "alice" || env.ChatID != "chat-y" {
		t.Errorf("envelope = %+v", env)
	}
	if env.SequenceNumber != nil {
		t.Errorf("sequence attached without generateSequence")
	}
}

func TestPublishDirectForbidden(t *testing.T) {
	t.Parallel()
	b := &fakeBus{}
	p := newPublisher(b, &fakeSequencer{}, &fakePerms{})

	_, err := p.PublishDirect(context.Background(), "alice", request(envelope.TypeFIFO, "chat-x", false))
	if !errors.Is(err, ErrNoPermission) {
		t.Fatalf("PublishDirect() error = %v, want ErrNoPermission", err)
	}
	if len(b.published) != 0 {
		t.Errorf("unauthorized publish reached the bus")
	}
}

func TestPublishSessionUsesBoundChatSet(t *testing.T) {
	t.Parallel()
	b := &fakeBus{}
	// No store permissions at all: the session set alone must authorize.
	p := newPublisher(b, &fakeSequencer{}, &fakePerms{})

	chats := map[string]struct{}{"chat-z": {}}
	if _, err := p.PublishSession(context.Background(), "bob", chats, request(envelope.TypeFIFO, "chat-z", false)); err != nil {
		t.Fatalf("PublishSession() error = %v", err)
	}

	_, err := p.PublishSession(context.Background(), "bob", chats, request(envelope.TypeFIFO, "chat-other", false))
	if !errors.Is(err, ErrNoPermission) {
		t.Errorf("PublishSession() outside bound set error = %v, want ErrNoPermission", err)
	}
}

func TestPublishAttachesSequence(t *testing.T) {
	t.Parallel()
	b := &fakeBus{}
	p := newPublisher(b, &fakeSequencer{}, &fakePerms{allowed: map[string]bool{"alice/chat-y": true}})
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		if _, err := p.PublishDirect(ctx, "alice", request(envelope.TypeFIFO, "chat-y", true)); err != nil {
			t.Fatalf("PublishDirect() error = %v", err)
		}
		env := b.published[len(b.published)-1]
		if env.SequenceNumber == nil || *env.SequenceNumber != want {
			t.Errorf("SequenceNumber = %v, want %d", env.SequenceNumber, want)
		}
	}
}

func TestPublishSequencerFailureRejects(t *testing.T) {
	t.Parallel()
	b := &fakeBus{}
	seq := &fakeSequencer{err: sequence.ErrSequencerUnavailable}
	p := newPublisher(b, seq, &fakePerms{allowed: map[string]bool{"alice/chat-y": true}})

	_, err := p.PublishDirect(context.Background(), "alice", request(envelope.TypeFIFO, "chat-y", true))
	if !errors.Is(err, sequence.ErrSequencerUnavailable) {
		t.Fatalf("error = %v, want ErrSequencerUnavailable", err)
	}
	if len(b.published) != 0 {
		t.Errorf("unsequenced FIFO envelope reached the bus after sequencer failure")
	}
}

func TestPublishValidationErrors(t *testing.T) {
	t.Parallel()
	p := newPublisher(&fakeBus{}, &fakeSequencer{}, &fakePerms{})
	ctx := context.Background()

	tests := []struct {
		name    string
		req     envelope.PublishRequest
		wantErr error
	}{
		{
			"missing payload",
			envelope.PublishRequest{TargetChannel: "session", MessageType: envelope.TypeFIFO},
			envelope.ErrMissingField,
		},
		{
			"invalid type",
			envelope.PublishRequest{TargetChannel: "session", MessageType: "bulk", Payload: json.RawMessage(`{"chatId":"c"}`)},
			envelope.ErrInvalidMessageType,
		},
		{
			"unstructured payload",
			envelope.PublishRequest{TargetChannel: "session", MessageType: envelope.TypeFIFO, Payload: json.RawMessage(`42`)},
			envelope.ErrMalformedBody,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := p.PublishDirect(ctx, "alice", tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublishFIFOMessageIDDeterministic(t *testing.T) {
	t.Parallel()
	b := &fakeBus{}
	p := newPublisher(b, &fakeSequencer{}, &fakePerms{allowed: map[string]bool{"alice/chat-y": true}})
	ctx := context.Background()

	r1, err := p.PublishDirect(ctx, "alice", request(envelope.TypeFIFO, "chat-y", false))
	if err != nil {
		t.Fatalf("PublishDirect() error = %v", err)
	}
	r2, err := p.PublishDirect(ctx, "alice", request(envelope.TypeFIFO, "chat-y", false))
	if err != nil {
		t.Fatalf("PublishDirect() error = %v", err)
	}
	if r1.MessageID != r2.MessageID {
		t.Errorf("same FIFO content produced different message IDs: %q vs %q", r1.MessageID, r2.MessageID)
	}

	s1, _ := p.PublishDirect(ctx, "alice", request(envelope.TypeStandard, "chat-y", false))
	s2, _ := p.PublishDirect(ctx, "alice", request(envelope.TypeStandard, "chat-y", false))
	if s1.MessageID == s2.MessageID {
		t.Errorf("standard publishes shared a message ID")
	}
}

func TestPublishExplicitGroupID(t *testing.T) {
	t.Parallel()
	b := &fakeBus{}
	p := newPublisher(b, &fakeSequencer{}, &fakePerms{allowed: map[string]bool{"alice/chat-y": true}})

	req := request(envelope.TypeFIFO, "chat-y", false)
	req.MessageGroupID = "custom-group"
	receipt, err := p.PublishDirect(context.Background(), "alice", req)
	if err != nil {
		t.Fatalf("PublishDirect() error = %v", err)
	}
	if receipt.GroupID != "custom-group" {
		t.Errorf("GroupID = %q, want custom-group", receipt.GroupID)
	}
	if b.published[0].GroupID != "custom-group" {
		t.Errorf("envelope GroupID = %q, want custom-group", b.published[0].GroupID)
	}
}

func TestPublishStandardHasNoGroup(t *testing.T) {
	t.Parallel()
	b := &fakeBus{}
	p := newPublisher(b, &fakeSequencer{}, &fakePerms{allowed: map[string]bool{"alice/chat-y": true}})

	if _, err := p.PublishDirect(context.Background(), "alice", request(envelope.TypeStandard, "chat-y", false)); err != nil {
		t.Fatalf("PublishDirect() error = %v", err)
	}
	if b.published[0].GroupID != "" {
		t.Errorf("standard envelope GroupID = %q, want empty", b.published[0].GroupID)
	}
}
