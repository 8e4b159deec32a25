package emodal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"emodal_harvester/httputil"
	"emodal_harvester/models"
)

// Client is the typed wrapper over the upstream E-Modal gateway. Every
// call returns either a decoded response or a classified *Error.
type Client struct {
	baseURL  string
	http     *http.Client
	download *http.Client
}

func New(baseURL string, clients *httputil.Clients) *Client {
	return &Client{
		baseURL:  baseURL,
		http:     clients.Upstream,
		download: clients.Download,
	}
}

// AcquireSession creates (or rejoins) an upstream browser session.
func (c *Client) AcquireSession(ctx context.Context, creds models.Credentials) (*SessionResponse, error) {
	var out SessionResponse
	err := c.post(ctx, "get_session", false, map[string]any{
		"username":        creds.Username,
		"password":        creds.Password,
		"captcha_api_key": creds.CaptchaAPIKey,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, &Error{Kind: KindPermanent, Op: "get_session", Msg: "response missing session_id"}
	}
	return &out, nil
}

// ListActiveSessions returns the sessions the upstream currently knows
// for a username. May be empty.
func (c *Client) ListActiveSessions(ctx context.Context, username string) ([]string, error) {
	var out activeSessionsResponse
	err := c.post(ctx, "get_active_sessions", false, map[string]any{
		"username": username,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// ListContainers asks the upstream to export every container row and
// returns the URL of the resulting spreadsheet.
func (c *Client) ListContainers(ctx context.Context, sessionID string) (*ListResponse, error) {
	return c.list(ctx, "get_containers", sessionID)
}

// ListAppointments is the appointment-side twin of ListContainers.
func (c *Client) ListAppointments(ctx context.Context, sessionID string) (*ListResponse, error) {
	return c.list(ctx, "get_appointments", sessionID)
}

func (c *Client) list(ctx context.Context, op, sessionID string) (*ListResponse, error) {
	var out ListResponse
	err := c.post(ctx, op, true, map[string]any{
		"session_id":         sessionID,
		"infinite_scrolling": true,
		"return_url":         true,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.FileURL == "" {
		return nil, &Error{Kind: KindPermanent, Op: op, Msg: "response missing file_url"}
	}
	return &out, nil
}

// GetBulkInfo enriches a batch of container ids in one upstream pass:
// timelines and pregate state for imports, booking numbers for exports.
func (c *Client) GetBulkInfo(ctx context.Context, sessionID string, importIDs, exportIDs []string) (*BulkInfoResponse, error) {
	var out BulkInfoResponse
	err := c.post(ctx, "get_info_bulk", true, map[string]any{
		"session_id":        sessionID,
		"import_containers": importIDs,
		"export_containers": exportIDs,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ProbeAppointments walks the upstream's appointment wizard for one item.
func (c *Client) ProbeAppointments(ctx context.Context, req ProbeRequest) (*ProbeResponse, error) {
	var out ProbeResponse
	if err := c.post(ctx, "check_appointments", true, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Download fetches a URL handed back by a list or probe call. These are
// authenticated against the same session as the call that produced them.
func (c *Client) Download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &Error{Kind: KindPermanent, Op: "download", Err: err}
	}

	resp, err := c.download.Do(req)
	if err != nil {
		return nil, "", &Error{Kind: KindTransient, Op: "download", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", classifyStatus("download", true, resp.StatusCode, "")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &Error{Kind: KindTransient, Op: "download", Err: err}
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// post performs one JSON call. sessioned marks calls authenticated by a
// session id, where a 400 means the upstream silently dropped the session.
func (c *Client) post(ctx context.Context, op string, sessioned bool, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{Kind: KindPermanent, Op: op, Err: err}
	}

	url := fmt.Sprintf("%s/%s", c.baseURL, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindPermanent, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrorBody(resp.Body)
		log.Printf("emodal: %s returned %d: %s", op, resp.StatusCode, msg)
		return classifyStatus(op, sessioned, resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindPermanent, Op: op, Msg: "invalid JSON response", Err: err}
	}

	if msg, ok := failureMessage(out); ok {
		return &Error{Kind: KindPermanent, Op: op, Status: resp.StatusCode, Msg: msg}
	}
	return nil
}

func classifyStatus(op string, sessioned bool, status int, msg string) *Error {
	e := &Error{Op: op, Status: status, Msg: msg}
	switch {
	case status >= 500:
		e.Kind = KindTransient
	case status == http.StatusUnauthorized && !sessioned:
		e.Kind = KindAuthInvalid
	case status == http.StatusBadRequest && sessioned:
		e.Kind = KindSessionInvalid
	default:
		e.Kind = KindPermanent
	}
	return e
}

// failureMessage extracts success=false bodies. The upstream reports most
// application-level failures as 200 + {"success": false, "error": ...}.
func failureMessage(out any) (string, bool) {
	switch r := out.(type) {
	case *SessionResponse:
		if !r.Success {
			return orUnknown(r.Error), true
		}
	case *ListResponse:
		if !r.Success {
			return orUnknown(r.Error), true
		}
	case *BulkInfoResponse:
		if !r.Success {
			return orUnknown(r.Error), true
		}
	case *activeSessionsResponse:
		if !r.Success {
			return orUnknown(r.Error), true
		}
	}
	// ProbeResponse failures are per-item outcomes, not call failures;
	// the executor inspects Success itself.
	return "", false
}

func orUnknown(msg string) string {
	if msg == "" {
		return "unknown upstream error"
	}
	return msg
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return string(bytes.TrimSpace(data))
}
