// Package clients holds the request/reply clients for the other modules the
// engine collaborates with. Every call goes over the bus with a correlation
// id (shared/replyq); a missing reply degrades to an empty result where the
// caller can live with one, and surfaces as a fault where it cannot.
package clients

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"vms-subscription-engine/shared/cachex"
	"vms-subscription-engine/shared/replyq"
)

// caller is the request/reply transport, satisfied by *replyq.Client.
type caller interface {
	Call(ctx context.Context, topic string, payload []byte, headers map[string]string) ([]byte, error)
}

// AssetIdentity is what the asset registry knows about one vessel history.
type AssetIdentity struct {
	AssetGUID       string   `json:"asset_guid"`
	ConnectID       string   `json:"connect_id"`
	Name            string   `json:"name"`
	IRCS            string   `json:"ircs"`
	CFR             string   `json:"cfr"`
	ExternalMarking string   `json:"external_marking"`
	GroupGUIDs      []string `json:"group_guids"`
}

type AssetsClient struct {
	rq       caller
	topic    string
	cache    *cachex.Client
	cacheTTL time.Duration
}

func NewAssetsClient(rq caller, topic string, cache *cachex.Client, cacheTTL time.Duration) *AssetsClient {
	return &AssetsClient{rq: rq, topic: topic, cache: cache, cacheTTL: cacheTTL}
}

type assetRequest struct {
	Method    string `json:"method"`
	ConnectID string `json:"connect_id,omitempty"`
	GroupGUID string `json:"group_guid,omitempty"`
	Page      int    `json:"page,omitempty"`
	PageSize  int    `json:"page_size,omitempty"`
}

// ResolveByConnectID looks up the asset identity behind a report's asset
// history reference. A missing reply degrades to nil: the report is then
// matched without asset criteria rather than dropped.
func (c *AssetsClient) ResolveByConnectID(ctx context.Context, connectID string) (*AssetIdentity, error) {
	cacheKey := cachex.Key("asset", connectID)
	if c.cache != nil {
		var cached AssetIdentity
		if hit, err := c.cache.GetJSON(ctx, cacheKey, &cached); err == nil && hit {
			return &cached, nil
		}
	}

	payload, err := json.Marshal(assetRequest{Method: "GET_ASSET_BY_CONNECT_ID", ConnectID: connectID})
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

	var identity AssetIdentity
	if err := json.Unmarshal(reply, &identity); err != nil {
		return nil, err
	}
	if identity.AssetGUID == "" {
		return nil, nil
	}
	if c.cache != nil {
		_ = c.cache.SetJSON(ctx, cacheKey, identity, c.cacheTTL)
	}
	return &identity, nil
}

// GroupAssets returns one page of the assets in a group, used by manual
// triggering over an asset group.
func (c *AssetsClient) GroupAssets(ctx context.Context, groupGUID string, page int, pageSize int) ([]AssetIdentity, error) {
	payload, err := json.Marshal(assetRequest{Method: "LIST_GROUP_ASSETS", GroupGUID: groupGUID, Page: page, PageSize: pageSize})
	if err != nil {
		return nil, err
	}
	reply, err := c.rq.Call(ctx, c.topic, payload, map[string]string{"page": strconv.Itoa(page)})
	if err != nil {
		if replyq.IsTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	var out struct {
		Assets []AssetIdentity `json:"assets"`
	}
	if err := json.Unmarshal(reply, &out); err != nil {
		return nil, err
	}
	return out.Assets, nil
}
