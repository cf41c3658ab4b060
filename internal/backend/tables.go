package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Table names exposed by the REST layer.
const (
	TableSectors  = "sectors"
	TableCycles   = "cycles"
	TableServices = "cycle_services"
)

const restPrefix = "/rest/v1/"

// minimalReturn asks the REST layer not to echo written rows back.
var minimalReturn = http.Header{"Prefer": []string{"return=minimal"}}

// Insert writes row into table.
func (c *Client) Insert(ctx context.Context, table string, row any) error {
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("backend: encoding %s row: %w", table, err)
	}

	resp, err := c.Do(ctx, http.MethodPost, restPrefix+table, body, minimalReturn)
	if err != nil {
		return err
	}

	return drain(resp)
}

// Update applies patch to the row of table whose id column equals id.
func (c *Client) Update(ctx context.Context, table, id string, patch any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("backend: encoding %s patch: %w", table, err)
	}

	resp, err := c.Do(ctx, http.MethodPatch, restPrefix+table+"?"+idFilter(id), body, minimalReturn)
	if err != nil {
		return err
	}

	return drain(resp)
}

// Delete removes the row of table whose id column equals id.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	resp, err := c.Do(ctx, http.MethodDelete, restPrefix+table+"?"+idFilter(id), nil, minimalReturn)
	if err != nil {
		return err
	}

	return drain(resp)
}

// Select decodes rows of table matching query into out (a pointer to a slice).
// A nil query selects every column of every visible row.
func (c *Client) Select(ctx context.Context, table string, query url.Values, out any) error {
	q := url.Values{"select": []string{"*"}}
	for k, v := range query {
		q[k] = v
	}

	resp, err := c.Do(ctx, http.MethodGet, restPrefix+table+"?"+q.Encode(), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decoding %s rows: %w", table, err)
	}

	return nil
}

// Eq builds a REST equality filter value.
func Eq(v string) string {
	return "eq." + v
}

func idFilter(id string) string {
	return url.Values{"id": []string{Eq(id)}}.Encode()
}

// drain discards and closes a successful response body so the connection
// can be reused.
func drain(resp *http.Response) error {
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("backend: reading response: %w", err)
	}

	return nil
}
