package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

// APIError is a non-2xx response from the HTTP API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatrelay error %d: %s", e.StatusCode, e.Message)
}

// API is a client for the chatrelay HTTP endpoints.
type API struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewAPI creates an HTTP API client. token may be empty for public endpoints.
func NewAPI(baseURL, token string) *API {
	return &API{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP request and decodes a JSON response into out.
func (a *API) doRequest(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, a.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		// Health reports its body alongside a 503.
		if out != nil && errResp.Error == "" {
			json.Unmarshal(respBody, out)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// HistoryResponse is a page of room history, newest first.
type HistoryResponse struct {
	Room     models.RoomRef   `json:"room"`
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// History fetches up to limit messages older than before (zero for latest).
func (a *API) History(room models.RoomRef, limit int, before time.Time) (*HistoryResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}

	path := "/rooms/" + url.PathEscape(room.Key()) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp HistoryResponse
	if err := a.doRequest(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostRequest is the body of an HTTP send.
type PostRequest struct {
	Content string `json:"content"`
	ReplyTo string `json:"replyTo,omitempty"`
	Type    string `json:"type,omitempty"`
	LocalID string `json:"localId,omitempty"`
}

// PostResponse reports the persisted message and who was online for it.
type PostResponse struct {
	Message     *models.Message `json:"message"`
	DeliveredTo []string        `json:"delivered_to"`
}

// Post sends a message over HTTP through the same delivery pipeline as the socket.
func (a *API) Post(room models.RoomRef, req PostRequest) (*PostResponse, error) {
	var resp PostResponse
	if err := a.doRequest(http.MethodPost, "/rooms/"+url.PathEscape(room.Key())+"/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PresenceResponse reports whether a user has a live connection anywhere.
type PresenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
	Mode   string `json:"mode"`
}

// Presence checks whether userID is online.
func (a *API) Presence(userID string) (*PresenceResponse, error) {
	var resp PresenceResponse
	if err := a.doRequest(http.MethodGet, "/presence/"+url.PathEscape(userID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetName updates the display name of the authenticated user.
func (a *API) SetName(name string) (*models.User, error) {
	var user models.User
	if err := a.doRequest(http.MethodPut, "/me", map[string]string{"name": name}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// HealthCheck is one dependency check in a health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Node      string                 `json:"node"`
	Region    string                 `json:"region,omitempty"`
	Checks    map[string]HealthCheck `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health. An unhealthy server returns its report with an error.
func (a *API) Health() (*HealthResponse, error) {
	var resp HealthResponse
	err := a.doRequest(http.MethodGet, "/health", nil, &resp)
	if err != nil && resp.Status == "" {
		return nil, err
	}
	return &resp, err
}
