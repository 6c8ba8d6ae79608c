package permits

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/permitlead/harvester/internal/extract"
)

// totalRowsField is the remote's declared total row count, embedded in
// every record of a page rather than in a response envelope.
const totalRowsField = "totalRows"

type searchRequest struct {
	JurisdictionID int    `json:"jurisdiction_id"`
	ProjectTypeID  int    `json:"project_type_id"`
	Address        string `json:"address"`
	Limit          int    `json:"limit"`
	Offset         int    `json:"offset"`
}

// FetchPage fetches one page of records for a (jurisdiction, project
// type, offset) triple. The declared total is read from the first
// record of the page; an empty page reports a total of 0.
func (c *Client) FetchPage(
	ctx context.Context,
	jurisdictionID, projectTypeID, offset, pageSize int,
) ([]extract.Record, int, error) {
	body, err := json.Marshal(searchRequest{
		JurisdictionID: jurisdictionID,
		ProjectTypeID:  projectTypeID,
		Address:        c.addressFilter,
		Limit:          pageSize,
		Offset:         offset,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal search request: %w", err)
	}
	resp, err := c.transport.Do(ctx, &extract.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/api/v1/records/search",
		Header: c.authHeader(),
		Body:   body,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("search jurisdiction %d type %d offset %d: %w",
			jurisdictionID, projectTypeID, offset, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, &extract.StatusError{StatusCode: resp.StatusCode, URL: c.baseURL + "/api/v1/records/search"}
	}
	var records []extract.Record
	if err := json.Unmarshal(resp.Body, &records); err != nil {
		return nil, 0, fmt.Errorf("decode record page: %w", err)
	}
	if len(records) == 0 {
		return nil, 0, nil
	}
	return records, declaredTotal(records[0]), nil
}

// declaredTotal coerces the embedded total row count. JSON numbers
// arrive as float64; some deployments return the field as a string.
func declaredTotal(rec extract.Record) int {
	switch v := rec[totalRowsField].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
