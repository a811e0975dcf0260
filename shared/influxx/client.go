// Package influxx records per-batch trigger telemetry. Prometheus carries
// the operational counters; the influx series keeps a longer retention of
// how many commands each inbound event produced, which feeds the traffic
// dashboards.
package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"vms-subscription-engine/shared/config"
)

type Client struct {
	client influxdb2.Client
	org    string
	bucket string
}

func New(cfg config.Config) (*Client, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS))
	return &Client{
		client: influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts),
		org:    cfg.InfluxOrg,
		bucket: cfg.InfluxBucket,
	}, nil
}

// WriteTriggerBatch records one inbound event's trigger outcome: how many
// commands it produced and how many of them failed.
func (c *Client) WriteTriggerBatch(ctx context.Context, source string, commands int, failed int) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	p := influxdb2.NewPoint(
		"subscription_trigger_batch",
		map[string]string{"source": source},
		map[string]any{"commands": commands, "failed": failed},
		time.Now().UTC(),
	)
	return c.client.WriteAPIBlocking(c.org, c.bucket).WritePoint(ctx, p)
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}
