package permits

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/permitlead/harvester/internal/extract"
)

// ListJurisdictions fetches the jurisdiction universe in remote listing
// order. Fetched once per run.
func (c *Client) ListJurisdictions(ctx context.Context) ([]extract.Jurisdiction, error) {
	resp, err := c.transport.Do(ctx, &extract.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/api/v1/jurisdictions",
		Header: c.authHeader(),
	})
	if err != nil {
		return nil, fmt.Errorf("list jurisdictions: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &extract.StatusError{StatusCode: resp.StatusCode, URL: c.baseURL + "/api/v1/jurisdictions"}
	}
	var jurisdictions []extract.Jurisdiction
	if err := json.Unmarshal(resp.Body, &jurisdictions); err != nil {
		return nil, fmt.Errorf("decode jurisdictions: %w", err)
	}
	return jurisdictions, nil
}

// ListProjectTypes fetches the project types for one jurisdiction, in
// listing order. A jurisdiction with zero project types is a legitimate
// terminal state, reported as an empty slice.
func (c *Client) ListProjectTypes(ctx context.Context, jurisdictionID int) ([]extract.ProjectType, error) {
	query := url.Values{}
	query.Set("jurisdiction_id", strconv.Itoa(jurisdictionID))
	resp, err := c.transport.Do(ctx, &extract.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/api/v1/project-types",
		Query:  query,
		Header: c.authHeader(),
	})
	if err != nil {
		return nil, fmt.Errorf("list project types for jurisdiction %d: %w", jurisdictionID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &extract.StatusError{StatusCode: resp.StatusCode, URL: c.baseURL + "/api/v1/project-types"}
	}
	var types []extract.ProjectType
	if err := json.Unmarshal(resp.Body, &types); err != nil {
		return nil, fmt.Errorf("decode project types: %w", err)
	}
	return types, nil
}
