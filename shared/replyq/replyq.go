package replyq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"vms-subscription-engine/shared/events"
	"vms-subscription-engine/shared/logx"
)

// Fault is a downstream-module failure, distinct from a local defect.
type Fault struct {
	Code    string
	Message string
}

func (f *Fault) Error() string { return f.Code + ": " + f.Message }

const CodeTimeout = "TIMEOUT"

// IsTimeout reports whether err is a reply-timeout fault. Callers that are
// allowed to degrade to an empty result use this to swallow the fault.
func IsTimeout(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Code == CodeTimeout
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Client simulates synchronous RPC over the bus: it publishes a request
// carrying a correlation id and blocks on a per-correlation channel until a
// reply arrives on the shared reply topic or the timeout expires.
type Client struct {
	producer   Publisher
	replyTopic string
	timeout    time.Duration
	log        logx.Logger

	mu      sync.Mutex
	pending map[string]chan []byte
}

func New(producer Publisher, replyTopic string, timeout time.Duration, log logx.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		producer:   producer,
		replyTopic: replyTopic,
		timeout:    timeout,
		log:        log.WithComponent("replyq"),
		pending:    make(map[string]chan []byte),
	}
}

// Call publishes payload to topic and waits for the correlated reply.
func (c *Client) Call(ctx context.Context, topic string, payload []byte, headers map[string]string) ([]byte, error) {
	correlationID := uuid.NewString()
	ch := make(chan []byte, 1)

	c.mu.Lock()
	c.pending[correlationID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
	}()

	merged := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		merged[k] = v
	}
	merged[events.HeaderCorrelationID] = correlationID
	merged[events.HeaderReplyTo] = c.replyTopic

	if err := c.producer.Publish(ctx, topic, []byte(correlationID), payload, merged); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &Fault{Code: CodeTimeout, Message: "no reply on " + c.replyTopic + " for request to " + topic}
	case reply := <-ch:
		return reply, nil
	}
}

// Listen consumes the reply topic and routes each message to the pending
// call with the matching correlation id. Replies for calls that already gave
// up are dropped. Blocks until ctx is cancelled.
func (c *Client) Listen(ctx context.Context, reader *kafka.Reader) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.log.Error(ctx, "reply_fetch_failed", "failed to fetch reply",
				slog.String("error_code", "INTERNAL_ERROR"),
				logx.Err(err),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		c.deliver(ctx, correlationID(msg), msg.Value)
		if err := reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error(ctx, "reply_commit_failed", "failed to commit reply",
				slog.String("error_code", "INTERNAL_ERROR"),
				logx.Err(err),
			)
		}
	}
}

func (c *Client) deliver(ctx context.Context, correlationID string, payload []byte) {
	if correlationID == "" {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[correlationID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug(ctx, "reply_unmatched", "reply without a pending call",
			slog.String("correlation_id", correlationID),
		)
		return
	}
	select {
	case ch <- payload:
	default:
	}
}

func correlationID(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == events.HeaderCorrelationID {
			return string(h.Value)
		}
	}
	return ""
}
