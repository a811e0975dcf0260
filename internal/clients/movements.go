package clients

import (
	"context"
	"encoding/json"
	"time"
)

type MovementsClient struct {
	rq    caller
	topic string
}

func NewMovementsClient(rq caller, topic string) *MovementsClient {
	return &MovementsClient{rq: rq, topic: topic}
}

type movementRequest struct {
	Method    string    `json:"method"`
	ReportIDs []string  `json:"report_ids,omitempty"`
	ConnectID string    `json:"connect_id,omitempty"`
	VesselIDs []string  `json:"vessel_ids,omitempty"`
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`

	ReceiverOrganisationID int64 `json:"receiver_organisation_id,omitempty"`
	ReceiverEndpointID     int64 `json:"receiver_endpoint_id,omitempty"`
	ReceiverChannelID      int64 `json:"receiver_channel_id,omitempty"`
}

// MovementGUIDs resolves fishing-activity report ids to the movement guids
// recorded for them. Faults propagate; alerting must not silently lose
// correlated movements.
func (c *MovementsClient) MovementGUIDs(ctx context.Context, reportIDs []string) ([]string, error) {
	if len(reportIDs) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(movementRequest{Method: "GET_MOVEMENT_GUIDS_BY_REPORT_IDS", ReportIDs: reportIDs})
	if err != nil {
		return nil, err
	}
	reply, err := c.rq.Call(ctx, c.topic, payload, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		MovementGUIDs []string `json:"movement_guids"`
	}
	if err := json.Unmarshal(reply, &out); err != nil {
		return nil, err
	}
	return out.MovementGUIDs, nil
}

// ForwardRequest asks the movement module to push a vessel's positions over
// a time window to the subscriber's endpoint/channel.
type ForwardRequest struct {
	ConnectID              string
	VesselIDs              []string
	From                   time.Time
	To                     time.Time
	ReceiverOrganisationID int64
	ReceiverEndpointID     int64
	ReceiverChannelID      int64
}

func (c *MovementsClient) ForwardPositions(ctx context.Context, req ForwardRequest) (string, error) {
	payload, err := json.Marshal(movementRequest{
		Method:                 "FORWARD_POSITIONS",
		ConnectID:              req.ConnectID,
		VesselIDs:              req.VesselIDs,
		From:                   req.From,
		To:                     req.To,
		ReceiverOrganisationID: req.ReceiverOrganisationID,
		ReceiverEndpointID:     req.ReceiverEndpointID,
		ReceiverChannelID:      req.ReceiverChannelID,
	})
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
