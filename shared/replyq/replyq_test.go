package replyq

import (
	"context"
	"testing"
	"time"

	"vms-subscription-engine/shared/events"
	"vms-subscription-engine/shared/logx"
)

type capturePublisher struct {
	topic   string
	value   []byte
	headers map[string]string
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	p.topic = topic
	p.value = value
	p.headers = headers
	return nil
}

func TestCallTimesOutWithFault(t *testing.T) {
	pub := &capturePublisher{}
	client := New(pub, "reply", 20*time.Millisecond, logx.New("test", "test", "", "error"))

	_, err := client.Call(context.Background(), "requests", []byte(`{}`), nil)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout fault, got %v", err)
	}
	if pub.headers[events.HeaderCorrelationID] == "" {
		t.Fatalf("expected a correlation id header")
	}
	if pub.headers[events.HeaderReplyTo] != "reply" {
		t.Fatalf("expected reply_to header, got %q", pub.headers[events.HeaderReplyTo])
	}
}

func TestCallReceivesCorrelatedReply(t *testing.T) {
	pub := &capturePublisher{}
	client := New(pub, "reply", time.Second, logx.New("test", "test", "", "error"))

	done := make(chan struct{})
	var reply []byte
	var err error
	go func() {
		defer close(done)
		reply, err = client.Call(context.Background(), "requests", []byte(`{}`), nil)
	}()

	// Wait for the call to register its pending channel.
	var corrID string
	for i := 0; i < 100; i++ {
		client.mu.Lock()
		for id := range client.pending {
			corrID = id
		}
		client.mu.Unlock()
		if corrID != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if corrID == "" {
		t.Fatalf("call never registered a pending channel")
	}

	client.deliver(context.Background(), corrID, []byte(`{"ok":true}`))
	<-done
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(reply) != `{"ok":true}` {
		t.Fatalf("unexpected reply: %s", reply)
	}
}

func TestDeliverUnmatchedIsDropped(t *testing.T) {
	client := New(&capturePublisher{}, "reply", time.Second, logx.New("test", "test", "", "error"))
	// Must not panic or block.
	client.deliver(context.Background(), "nobody-waiting", []byte("x"))
}
