package clients

import (
	"context"
	"encoding/json"
	"time"
)

type RulesClient struct {
	rq    caller
	topic string
}

func NewRulesClient(rq caller, topic string) *RulesClient {
	return &RulesClient{rq: rq, topic: topic}
}

// Ticket is one alert raised for a triggered subscription, one per
// correlated movement.
type Ticket struct {
	SubscriptionName string    `json:"subscription_name"`
	ConnectID        string    `json:"connect_id"`
	MovementGUID     string    `json:"movement_guid"`
	OpenDate         time.Time `json:"open_date"`
}

type ticketRequest struct {
	Method string `json:"method"`
	Ticket Ticket `json:"ticket"`
}

// CreateTicket raises an alert ticket in the rules module and returns its
// guid. Faults propagate to the executor.
func (c *RulesClient) CreateTicket(ctx context.Context, ticket Ticket) (string, error) {
	payload, err := json.Marshal(ticketRequest{Method: "CREATE_TICKET", Ticket: ticket})
	if err != nil {
		return "", err
	}
	reply, err := c.rq.Call(ctx, c.topic, payload, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		TicketGUID string `json:"ticket_guid"`
	}
	if err := json.Unmarshal(reply, &out); err != nil {
		return "", err
	}
	return out.TicketGUID, nil
}
