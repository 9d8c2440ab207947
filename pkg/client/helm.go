package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/quarterdeck-io/console/pkg/models"
)

// ListHelmRepositories returns the gateway's configured chart repositories.
func (c *Client) ListHelmRepositories(ctx context.Context) ([]models.RepositoryInfo, error) {
	data, err := c.Request(ctx, "/helm/repositories", nil, nil)
	if err != nil {
		return nil, err
	}
	var resp models.ListRepoResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode repositories: %w", err)
	}
	return resp.Repositories, nil
}

// AddHelmRepository registers a chart repository on the gateway.
func (c *Client) AddHelmRepository(ctx context.Context, name, url string) error {
	return c.sendRepo(ctx, http.MethodPost, name, url)
}

// UpdateHelmRepository changes an existing chart repository's URL.
func (c *Client) UpdateHelmRepository(ctx context.Context, name, url string) error {
	return c.sendRepo(ctx, http.MethodPut, name, url)
}

// RemoveHelmRepository removes a chart repository by name.
func (c *Client) RemoveHelmRepository(ctx context.Context, name string) error {
	q := QueryParameters{"name": name}
	_, err := c.Request(ctx, "/helm/repositories", &RequestParams{Method: http.MethodDelete}, q)
	return err
}

func (c *Client) sendRepo(ctx context.Context, method, name, url string) error {
	body, err := json.Marshal(models.AddUpdateRepoRequest{Name: name, URL: url})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	_, err = c.Request(ctx, "/helm/repositories", &RequestParams{Method: method, Body: body}, nil)
	return err
}
