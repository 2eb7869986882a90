package ctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rennerdo30/tunnelkeeper/internal/network"
	"github.com/rennerdo30/tunnelkeeper/internal/session"
	"github.com/rennerdo30/tunnelkeeper/internal/version"
)

// DefaultAPIURL is where the daemon listens by default.
const DefaultAPIURL = "http://127.0.0.1:9770"

// ConnectTimeout bounds how long start --wait waits for a tunnel.
const ConnectTimeout = 30 * time.Second

var (
	// ErrConnectTimeout is returned when a session does not connect in time.
	ErrConnectTimeout = errors.New("timed out waiting for connection")
	// ErrAuthFailed is returned when the server rejected the credentials.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrSessionEnded is returned when a session disappears while waiting.
	ErrSessionEnded = errors.New("session ended")
)

// APIError is a non-success response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %d %s - %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// APIClient is a client for the daemon control API.
type APIClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewAPIClient creates a new API client.
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *APIClient) doRequest(method, path string, form url.Values) (*http.Response, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}

	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// readError turns a non-success response into an APIError.
func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck

	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func (c *APIClient) call(method, path string, form url.Values, v interface{}) error {
	resp, err := c.doRequest(method, path, form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Start asks the daemon to bring up a profile. A profile that is already
// running yields its current view and an error matching
// session.ErrAlreadyRunning.
func (c *APIClient) Start(id, path, password string) (session.View, error) {
	resp, err := c.doRequest(http.MethodPost, "/start", url.Values{
		"id":     {id},
		"path":   {path},
		"passwd": {password},
	})
	if err != nil {
		return session.View{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict:
		var view session.View
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			return session.View{}, fmt.Errorf("decode response: %w", err)
		}
		if resp.StatusCode == http.StatusConflict {
			return view, &session.AlreadyRunningError{View: view}
		}
		return view, nil
	default:
		return session.View{}, readError(resp)
	}
}

// Stop asks the daemon to stop a profile.
func (c *APIClient) Stop(id string) error {
	return c.call(http.MethodPost, "/stop", url.Values{"id": {id}}, nil)
}

// Status returns the views of every registered session.
func (c *APIClient) Status() (map[string]session.View, error) {
	var status map[string]session.View
	if err := c.call(http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// WaitConnected polls the status of id until it connects, fails or
// timeout passes.
func (c *APIClient) WaitConnected(id string, timeout, interval time.Duration) (session.View, error) {
	deadline := time.Now().Add(timeout)
	for {
		status, err := c.Status()
		if err != nil {
			return session.View{}, err
		}

		view, ok := status[id]
		switch {
		case !ok:
			return session.View{}, ErrSessionEnded
		case view.Status == session.StatusConnected:
			return view, nil
		case view.Status == session.StatusAuthError:
			return view, ErrAuthFailed
		}

		if time.Now().After(deadline) {
			return view, ErrConnectTimeout
		}
		time.Sleep(interval)
	}
}

// Log returns the subprocess output recorded for id.
func (c *APIClient) Log(id string) (string, error) {
	resp, err := c.doRequest(http.MethodGet, "/log/"+url.PathEscape(id), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", readError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read log: %w", err)
	}
	return string(data), nil
}

// ClearLog deletes the log recorded for id.
func (c *APIClient) ClearLog(id string) error {
	return c.call(http.MethodDelete, "/log/"+url.PathEscape(id), nil, nil)
}

// Adapters returns the virtual adapter counts, re-enumerating first when
// refresh is set.
func (c *APIClient) Adapters(refresh bool) (network.Counts, error) {
	path := "/adapters"
	if refresh {
		path += "?refresh=" + strconv.FormatBool(refresh)
	}

	var counts network.Counts
	err := c.call(http.MethodGet, path, nil, &counts)
	return counts, err
}

// ResetNetwork runs the daemon's network reset sequence.
func (c *APIClient) ResetNetwork() error {
	return c.call(http.MethodPost, "/network/reset", url.Values{}, nil)
}

// Version returns the daemon build information.
func (c *APIClient) Version() (version.Info, error) {
	var info version.Info
	err := c.call(http.MethodGet, "/version", nil, &info)
	return info, err
}
