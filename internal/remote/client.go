package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/face-gate/internal/constants"
	"github.com/kozaktomas/face-gate/internal/users"
)

// Client talks to the remote directory server. It holds no URLs itself; every
// call names the endpoint so the same client serves all three.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a client whose requests time out after timeout (0 means no timeout).
func NewClient(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// FetchInitialUsers downloads the full list of authorized users. Entries with
// missing fields are skipped.
func (c *Client) FetchInitialUsers(ctx context.Context, endpoint string) ([]RemoteUser, error) {
	env, err := c.getEnvelope(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	raws, err := decodeClients(endpoint, env)
	if err != nil {
		return nil, err
	}

	result := make([]RemoteUser, 0, len(raws))
	for _, raw := range raws {
		u, err := parseUser(raw)
		if err != nil {
			continue
		}
		result = append(result, u)
	}
	return result, nil
}

// FetchChanges downloads pending directory changes. Malformed entries are kept
// in place with Err set, so callers can log them.
func (c *Client) FetchChanges(ctx context.Context, endpoint string) ([]RemoteChange, error) {
	env, err := c.getEnvelope(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if env.resultString() == constants.NoUsersFoundResult {
		return []RemoteChange{}, nil
	}

	raws, err := decodeClients(endpoint, env)
	if err != nil {
		return nil, err
	}

	result := make([]RemoteChange, 0, len(raws))
	for _, raw := range raws {
		result = append(result, parseChange(raw))
	}
	return result, nil
}

// ReportOpening posts a single door opening event. A zero at means now.
func (c *Client) ReportOpening(ctx context.Context, endpoint string, userID int, direction users.Direction, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}

	form := url.Values{}
	form.Set("type", constants.OpeningEventType)
	form.Set("id", strconv.Itoa(userID))
	form.Set("date", at.Local().Format(constants.OpeningDateLayout))
	form.Set("type_event", direction.EventType())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req) //nolint:gosec // endpoint comes from trusted config
	if err != nil {
		return &TransportError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ProtocolError{URL: endpoint, StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body), Reason: "failed status code"}
	}
	return nil
}

// getEnvelope performs a GET request and decodes the outer response object.
func (c *Client) getEnvelope(ctx context.Context, endpoint string) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // endpoint comes from trusted config
	if err != nil {
		return nil, &TransportError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ProtocolError{URL: endpoint, StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body), Reason: "failed status code"}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: endpoint, Err: fmt.Errorf("could not read response body: %w", err)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProtocolError{URL: endpoint, StatusCode: resp.StatusCode, Body: string(body), Reason: "invalid JSON response"}
	}
	if !env.hasResult() {
		return nil, &ProtocolError{URL: endpoint, StatusCode: resp.StatusCode, Body: string(body), Reason: "invalid response, result missing"}
	}
	return &env, nil
}

// decodeClients performs the second decoding pass over the clients string.
// An absent clients field is an empty list.
func decodeClients(endpoint string, env *envelope) ([]json.RawMessage, error) {
	if env.Clients == nil {
		return nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal([]byte(*env.Clients), &raws); err != nil {
		return nil, &ProtocolError{URL: endpoint, StatusCode: http.StatusOK, Body: *env.Clients, Reason: "invalid clients payload"}
	}
	return raws, nil
}

// readErrorBody reads the response body for error messages.
func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(r)
	if err != nil {
		return "(could not read error body)"
	}
	return string(body)
}
