package clients

import (
	"context"
	"encoding/json"
)

type OrgsClient struct {
	rq    caller
	topic string
}

func NewOrgsClient(rq caller, topic string) *OrgsClient {
	return &OrgsClient{rq: rq, topic: topic}
}

type orgsRequest struct {
	Method         string `json:"method"`
	OrganisationID int64  `json:"organisation_id"`
	EndpointID     int64  `json:"endpoint_id"`
	ChannelID      int64  `json:"channel_id"`
}

// EndpointEmails resolves the email recipients behind a subscriber's
// organisation/endpoint/channel triple via the user directory.
func (c *OrgsClient) EndpointEmails(ctx context.Context, organisationID int64, endpointID int64, channelID int64) ([]string, error) {
	payload, err := json.Marshal(orgsRequest{
		Method:         "GET_ENDPOINT_EMAILS",
		OrganisationID: organisationID,
		EndpointID:     endpointID,
		ChannelID:      channelID,
	})
	if err != nil {
		return nil, err
	}
	reply, err := c.rq.Call(ctx, c.topic, payload, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Emails []string `json:"emails"`
	}
	if err := json.Unmarshal(reply, &out); err != nil {
		return nil, err
	}
	return out.Emails, nil
}
