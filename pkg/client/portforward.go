package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/quarterdeck-io/console/pkg/models"
)

// StartPortForward asks the gateway to open a forwarding session. The gateway
// owns the listener; this call only submits the request and returns the
// session record, including the assigned ID and local port. Re-posting a
// stopped session's ID restarts it; a running ID is rejected.
func (c *Client) StartPortForward(ctx context.Context, req models.PortForwardRequest) (*models.PortForward, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	data, err := c.Request(ctx, "/portforward", &RequestParams{Method: http.MethodPost, Body: body}, nil)
	if err != nil {
		return nil, err
	}
	var pf models.PortForward
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &pf, nil
}

// GetPortForward fetches one session by ID.
func (c *Client) GetPortForward(ctx context.Context, cluster, id string) (*models.PortForward, error) {
	q := QueryParameters{"cluster": cluster, "id": id}
	data, err := c.Request(ctx, "/portforward", nil, q)
	if err != nil {
		return nil, err
	}
	var pf models.PortForward
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &pf, nil
}

// ListPortForwards returns the cluster's sessions, running and stopped. The
// list is fetched fresh on every call; nothing is cached client-side.
func (c *Client) ListPortForwards(ctx context.Context, cluster string) ([]models.PortForward, error) {
	q := QueryParameters{"cluster": cluster}
	data, err := c.Request(ctx, "/portforward/list", nil, q)
	if err != nil {
		return nil, err
	}
	var list []models.PortForward
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode session list: %w", err)
	}
	return list, nil
}

// StopOrDeletePortForward ends a session. stopOrDelete true stops it but
// keeps the record around for a later restart; false removes the record
// entirely. The returned string is the gateway's status message.
func (c *Client) StopOrDeletePortForward(ctx context.Context, cluster, id string, stopOrDelete bool) (string, error) {
	body, err := json.Marshal(models.PortForwardStopRequest{
		Cluster:      cluster,
		ID:           id,
		StopOrDelete: stopOrDelete,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	data, err := c.Request(ctx, "/portforward", &RequestParams{Method: http.MethodDelete, Body: body}, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return resp.Status, nil
}
