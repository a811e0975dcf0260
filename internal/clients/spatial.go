package clients

import (
	"context"
	"encoding/json"

	"vms-subscription-engine/internal/models"
	"vms-subscription-engine/shared/replyq"
)

type SpatialClient struct {
	rq    caller
	topic string
}

func NewSpatialClient(rq caller, topic string) *SpatialClient {
	return &SpatialClient{rq: rq, topic: topic}
}

type spatialRequest struct {
	Method    string  `json:"method"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type spatialArea struct {
	AreaType string `json:"area_type"`
	AreaGUID string `json:"area_guid"`
}

// AreasContaining resolves a coordinate to the areas it falls in, for
// position reports that arrive without area enrichment. A missing reply
// degrades to no areas.
func (c *SpatialClient) AreasContaining(ctx context.Context, latitude float64, longitude float64) ([]models.AreaCriterion, error) {
	payload, err := json.Marshal(spatialRequest{Method: "AREAS_BY_LOCATION", Latitude: latitude, Longitude: longitude})
	if err != nil {
		return nil, err
	}
	reply, err := c.rq.Call(ctx, c.topic, payload, nil)
	if err != nil {
		if replyq.IsTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	var out struct {
		Areas []spatialArea `json:"areas"`
	}
	if err := json.Unmarshal(reply, &out); err != nil {
		return nil, err
	}
	areas := make([]models.AreaCriterion, 0, len(out.Areas))
	for _, a := range out.Areas {
		areas = append(areas, models.AreaCriterion{Type: models.AreaType(a.AreaType), GUID: a.AreaGUID})
	}
	return areas, nil
}
