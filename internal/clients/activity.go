package clients

import (
	"context"
	"encoding/json"
	"time"
)

type ActivityClient struct {
	rq    caller
	topic string
}

func NewActivityClient(rq caller, topic string) *ActivityClient {
	return &ActivityClient{rq: rq, topic: topic}
}

// FAQuery asks the activity module to issue a time-windowed fishing-activity
// query for one vessel and deliver the results to the subscriber.
type FAQuery struct {
	ConnectID              string    `json:"connect_id"`
	From                   time.Time `json:"from"`
	To                     time.Time `json:"to"`
	ConsolidatedOnly       bool      `json:"consolidated_only"`
	ReceiverOrganisationID int64     `json:"receiver_organisation_id"`
	ReceiverEndpointID     int64     `json:"receiver_endpoint_id"`
	ReceiverChannelID      int64     `json:"receiver_channel_id"`
}

type faQueryRequest struct {
	Method string  `json:"method"`
	Query  FAQuery `json:"query"`
}

func (c *ActivityClient) SendFAQuery(ctx context.Context, query FAQuery) (string, error) {
	payload, err := json.Marshal(faQueryRequest{Method: "SEND_FA_QUERY", Query: query})
	if err != nil {
		return "", err
	}
	reply, err := c.rq.Call(ctx, c.topic, payload, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(reply, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}
