// Package publish is the ingress publisher shared by both publish paths: the
// persistent session (P2P) and the stateless HTTP request (A2P). Both paths
// validate, authorize, sequence, stamp, and hand the envelope to the bus under
// one contract.
package publish

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus-server/internal/bus"
	"github.com/chatbus/chatbus-server/internal/envelope"
	"github.com/chatbus/chatbus-server/internal/permission"
	"github.com/chatbus/chatbus-server/internal/telemetry"
)

// ErrNoPermission is returned when the principal holds no permission record
// for the payload's chat at publish time.
var ErrNoPermission = errors.New("no permission on chat")

// PermissionGetter is the point-read slice of the permission store.
type PermissionGetter interface {
	Get(ctx context.Context, principalID, chatID string) (*permission.Record, error)
}

// Sequencer allocates per-chat sequence numbers.
type Sequencer interface {
	Next(ctx context.Context, chatID string) (uint64, error)
}

// BusPublisher accepts envelopes onto the bus.
type BusPublisher interface {
	Publish(ctx context.Context, env *envelope.Envelope) (*bus.Receipt, error)
}

// Receipt is returned to the caller on bus accept.
type Receipt struct {
	MessageID     string               `json:"messageId"`
	MessageType   envelope.MessageType `json:"messageType"`
	TargetChannel string               `json:"targetChannel"`
	GroupID       string               `json:"messageGroupId,omitempty"`
	PublishTime   time.Time            `json:"publishTime"`
}

// Publisher validates and publishes envelopes. The end-to-end publish path is
// bounded by the configured timeout.
type Publisher struct {
	bus     BusPublisher
	seq     Sequencer
	perms   PermissionGetter
	metrics *telemetry.Metrics
	timeout time.Duration
	log     zerolog.Logger
}

// New creates a publisher.
func New(b BusPublisher, seq Sequencer, perms PermissionGetter, metrics *telemetry.Metrics, timeout time.Duration, logger zerolog.Logger) *Publisher {
	return &Publisher{
		bus:     b,
		seq:     seq,
		perms:   perms,
		metrics: metrics,
		timeout: timeout,
		log:     logger.With().Str("component", "publisher").Logger(),
	}
}

// PublishSession is the P2P path. The session's immutable chat set authorizes
// the publish; the permission store is not consulted.
func (p *Publisher) PublishSession(ctx context.Context, principalID string, sessionChats map[string]struct{}, req envelope.PublishRequest) (*Receipt, error) {
	return p.publish(ctx, principalID, req, func(_ context.Context, chatID string) error {
		if _, ok := sessionChats[chatID]; !ok {
			return ErrNoPermission
		}
		return nil
	})
}

// PublishDirect is the A2P path. Stateless: the permission store is re-queried
// on every request.
func (p *Publisher) PublishDirect(ctx context.Context, principalID string, req envelope.PublishRequest) (*Receipt, error) {
	return p.publish(ctx, principalID, req, func(ctx context.Context, chatID string) error {
		_, err := p.perms.Get(ctx, principalID, chatID)
		if errors.Is(err, permission.ErrNotFound) {
			return ErrNoPermission
		}
		return err
	})
}

func (p *Publisher) publish(ctx context.Context, principalID string, req envelope.PublishRequest, authorize func(context.Context, string) error) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	payload, err := req.Validate()
	if err != nil {
		return nil, err
	}

	if err := authorize(ctx, payload.ChatID); err != nil {
		return nil, err
	}

	env := &envelope.Envelope{
		ChatID:        payload.ChatID,
		PrincipalID:   principalID,
		TargetChannel: req.TargetChannel,
		MessageType:   req.MessageType,
		Payload:       payload,
	}

	if req.MessageType == envelope.TypeFIFO {
		env.GroupID = req.MessageGroupID
		if env.GroupID == "" {
			env.GroupID = payload.ChatID
		}
		if req.GenerateSequence {
			seq, sErr := p.seq.Next(ctx, payload.ChatID)
			if sErr != nil {
				return nil, sErr
			}
			env.SequenceNumber = &seq
		}
		env.MessageID = envelope.DeriveFIFOMessageID(req.TargetChannel, env.GroupID, payload)
	} else {
		env.MessageID = envelope.NewStandardMessageID()
	}

	env.PublishTime = time.Now().UTC()

	receipt, err := p.bus.Publish(ctx, env)
	if err != nil {
		return nil, err
	}

	if receipt.Duplicate {
		p.metrics.Duplicates.Inc()
	} else {
		p.metrics.Published.WithLabelValues(string(req.MessageType)).Inc()
	}

	p.log.Debug().
		Str("message_id", receipt.MessageID).
		Str("chat_id", payload.ChatID).
		Str("principal_id", principalID).
		Str("type", string(req.MessageType)).
		Bool("duplicate", receipt.Duplicate).
		Msg("Envelope published")

	return &Receipt{
		MessageID:     receipt.MessageID,
		MessageType:   req.MessageType,
		TargetChannel: req.TargetChannel,
		GroupID:       env.GroupID,
		PublishTime:   env.PublishTime,
	}, nil
}
