package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentboard/internal/config"
	"agentboard/internal/delivery"
	"agentboard/internal/domain"
	"agentboard/internal/events"
	"agentboard/internal/repo"
)

// EventPrefix namespaces bus traffic in webhook subscriptions, so an agent
// can subscribe to "message.status_update" without also receiving task
// lifecycle pushes.
const EventPrefix = "message."

// Bus moves messages between agents. A message goes out through the webhook
// pipeline when the recipient subscribes to its type; otherwise it is held
// until the recipient polls. Sequence numbers come from the store, so
// messages from one sender arrive in send order.
type Bus struct {
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Delivery *delivery.Service
	Now      func() time.Time
	NewID    func() string
}

func (b *Bus) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Bus) newID() string {
	if b.NewID != nil {
		return b.NewID()
	}
	return uuid.NewString()
}

type SendInput struct {
	ProjectID string
	From      string
	To        string
	Type      string
	Payload   string
	Priority  string
}

// SendResult reports where one message went.
type SendResult struct {
	Message domain.Message `json:"message"`
	// Pushed is true when the message left through the recipient's webhook
	// instead of the poll queue.
	Pushed bool `json:"pushed"`
	// Error is set when fan-out to this recipient failed; the message never
	// reached them.
	Error string `json:"error,omitempty"`
}

// Send routes one message to one recipient.
func (b *Bus) Send(ctx context.Context, in SendInput) (SendResult, error) {
	if in.Type == "" {
		return SendResult{}, fmt.Errorf("message type is required")
	}
	recipient, err := b.Repo.GetAgent(ctx, in.To)
	if err != nil {
		return SendResult{}, fmt.Errorf("recipient %s: %w", in.To, err)
	}
	if recipient.ProjectID != in.ProjectID {
		return SendResult{}, fmt.Errorf("recipient %s: %w", in.To, repo.ErrNotFound)
	}

	now := b.now()
	msg := domain.Message{
		ID:        b.newID(),
		ProjectID: in.ProjectID,
		From:      in.From,
		To:        in.To,
		Type:      in.Type,
		Payload:   in.Payload,
		Priority:  in.Priority,
		CreatedAt: repo.FormatTime(now),
	}
	if ttl := b.Config.MessageTTL(); ttl > 0 {
		msg.ExpiresAt = repo.FormatTime(now.Add(ttl))
	}

	if b.pushable(ctx, in.To, in.Type) {
		err := b.Delivery.Notify(ctx, in.To, EventPrefix+in.Type, map[string]any{
			"message_id": msg.ID,
			"from":       in.From,
			"type":       in.Type,
			"payload":    in.Payload,
			"priority":   in.Priority,
		})
		if err != nil {
			return SendResult{}, err
		}
		_ = b.Events.Append(ctx, nil, "message.pushed", in.ProjectID, "message", msg.ID, in.From,
			events.EventPayload{"to": in.To, "type": in.Type})
		return SendResult{Message: msg, Pushed: true}, nil
	}

	seq, err := b.Repo.InsertMessage(ctx, msg)
	if err != nil {
		return SendResult{}, err
	}
	msg.Seq = seq
	_ = b.Events.Append(ctx, nil, "message.queued", in.ProjectID, "message", msg.ID, in.From,
		events.EventPayload{"to": in.To, "type": in.Type})
	return SendResult{Message: msg}, nil
}

// pushable reports whether the recipient's webhook wants this message type.
func (b *Bus) pushable(ctx context.Context, agentID, msgType string) bool {
	if b.Delivery == nil {
		return false
	}
	cfg, err := b.Repo.GetWebhookConfig(ctx, agentID)
	if err != nil {
		return false
	}
	return cfg.Enabled && cfg.SubscribesTo(EventPrefix+msgType)
}

type BroadcastInput struct {
	ProjectID string
	From      string
	Type      string
	Payload   string
	Priority  string
	// AgentType narrows the audience to one agent type when set.
	AgentType string
}

// Broadcast fans one message out to every agent in the project except the
// sender, applying Send's push-or-hold choice per recipient. One recipient's
// failure is recorded in its result entry and never stops the fan-out.
func (b *Bus) Broadcast(ctx context.Context, in BroadcastInput) ([]SendResult, error) {
	agents, err := b.Repo.ListAgents(ctx, repo.AgentFilters{ProjectID: in.ProjectID, Type: in.AgentType})
	if err != nil {
		return nil, err
	}
	var results []SendResult
	for _, a := range agents {
		if a.ID == in.From {
			continue
		}
		res, err := b.Send(ctx, SendInput{
			ProjectID: in.ProjectID,
			From:      in.From,
			To:        a.ID,
			Type:      in.Type,
			Payload:   in.Payload,
			Priority:  in.Priority,
		})
		if err != nil {
			res = SendResult{
				Message: domain.Message{ProjectID: in.ProjectID, From: in.From, To: a.ID, Type: in.Type},
				Error:   err.Error(),
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// Poll drains the caller's queue, oldest first, and refreshes its liveness
// timestamp. Returned messages are gone from the store.
func (b *Bus) Poll(ctx context.Context, projectID, agentID string, limit int) ([]domain.Message, error) {
	if _, err := b.Repo.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	now := repo.FormatTime(b.now())
	if err := b.Repo.TouchAgentPoll(ctx, agentID, now); err != nil {
		return nil, err
	}
	return b.Repo.PollMessages(ctx, projectID, agentID, now, limit)
}

// PurgeExpired drops messages past their TTL.
func (b *Bus) PurgeExpired(ctx context.Context) (int64, error) {
	return b.Repo.PurgeExpiredMessages(ctx, repo.FormatTime(b.now()))
}
