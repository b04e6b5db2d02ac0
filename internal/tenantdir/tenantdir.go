// Package tenantdir resolves tenant membership against the external projects
// directory. The directory itself is an external collaborator; this package
// only wraps the HTTP call and offers an always-allow implementation for
// single-tenant deployments.
package tenantdir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ProjectsClient answers whether the caller identified by bearer is a member
// of the given project.
type ProjectsClient interface {
	IsMember(ctx context.Context, bearer, projectUUID string) (bool, error)
}

// HTTPClient queries the tenant directory at the configured backend domain,
// forwarding the caller's bearer token so the directory applies its own
// authorization.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a ProjectsClient against backendDomain.
func NewHTTPClient(backendDomain string) *HTTPClient {
	return &HTTPClient{
		baseURL: "https://" + backendDomain,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type project struct {
	UUID string `json:"uuid"`
}

// IsMember lists the caller's projects and checks projectUUID against them.
func (c *HTTPClient) IsMember(ctx context.Context, bearer, projectUUID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/projects", nil)
	if err != nil {
		return false, fmt.Errorf("building projects request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("calling projects directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("projects directory returned status %d", resp.StatusCode)
	}

	var projects []project
	if err := json.NewDecoder(resp.Body).Decode(&projects); err != nil {
		return false, fmt.Errorf("decoding projects response: %w", err)
	}

	for _, p := range projects {
		if p.UUID == projectUUID {
			return true, nil
		}
	}
	return false, nil
}

// StaticClient answers every membership query with a fixed result. Used in
// single-tenant mode, where there is no directory to consult.
type StaticClient struct {
	Allow bool
}

func (c StaticClient) IsMember(context.Context, string, string) (bool, error) {
	return c.Allow, nil
}
