package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/quarterdeck-io/console/pkg/models"
)

// DrainNode submits a drain for the named node. A nil error only means the
// gateway accepted the request; the drain itself runs in the background and
// is tracked with DrainNodeStatus. Unknown nodes and nodes already being
// drained are rejected.
func (c *Client) DrainNode(ctx context.Context, cluster, node string) error {
	body, err := json.Marshal(models.DrainRequest{Cluster: cluster, NodeName: node})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	_, err = c.Request(ctx, "/drain-node", &RequestParams{Method: http.MethodPost, Body: body}, nil)
	return err
}

// DrainNodeStatus fetches the current state of a drain. Each call re-fetches
// from the gateway; poll until the status is terminal. Terminal statuses are
// stable across any number of further polls.
func (c *Client) DrainNodeStatus(ctx context.Context, cluster, node string) (*models.DrainOperation, error) {
	q := QueryParameters{"cluster": cluster, "nodeName": node}
	data, err := c.Request(ctx, "/drain-node-status", nil, q)
	if err != nil {
		return nil, err
	}
	var op models.DrainOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &op, nil
}
