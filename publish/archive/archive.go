// Package archive is the client side of the remote cold-storage service
// (baricadr). The core only ever asks it to restore a file into place;
// completion is observed by the read path checking local presence and size.
package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

type Client interface {
	// RequestRetrieval asks the archive to restore path into the local
	// filesystem, optionally notifying an email address on completion.
	RequestRetrieval(path, notifyEmail string) error
}

// Disabled is the client used when no archive service is configured. Any
// retrieval request is an error.
type Disabled struct{}

func (Disabled) RequestRetrieval(path, notifyEmail string) error {
	return fmt.Errorf("no archive service configured, cannot retrieve %v", path)
}

type HTTPClient struct {
	baseUrl  string
	username string
	password string
}

func NewHTTPClient(baseUrl, username, password string) *HTTPClient {
	slog.Info("creating archive http client", "url", baseUrl)
	return &HTTPClient{baseUrl: baseUrl, username: username, password: password}
}

type pullRequest struct {
	Path  string `json:"path"`
	Email string `json:"email,omitempty"`
}

func (c *HTTPClient) RequestRetrieval(path, notifyEmail string) error {
	return c.post("pull", pullRequest{Path: path, Email: notifyEmail}, nil)
}

// CheckVersion probes the archive service. Used at startup to decide
// whether repositories may declare archive support.
func (c *HTTPClient) CheckVersion() error {
	var res struct {
		Version string `json:"version"`
	}
	if err := c.get("version", &res); err != nil {
		return err
	}
	if res.Version == "" {
		return fmt.Errorf("archive at %v returned no version", c.baseUrl)
	}
	return nil
}

func (c *HTTPClient) request(method, endpoint string, body io.Reader, result interface{}) error {
	fullEndpoint, err := url.JoinPath(c.baseUrl, endpoint)
	if err != nil {
		return fmt.Errorf("error formatting url for archive endpoint %v: %w", endpoint, err)
	}

	req, err := http.NewRequest(method, fullEndpoint, body)
	if err != nil {
		return fmt.Errorf("error creating %v request for archive endpoint %v: %w", method, endpoint, err)
	}
	req.Header.Add("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending %v request to archive endpoint %v: %w", method, endpoint, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		data, err := io.ReadAll(res.Body)
		if err == nil {
			slog.Error("archive returned error", "method", method, "endpoint", endpoint, "code", res.StatusCode, "response", string(data))
		}
		return fmt.Errorf("%v request to archive endpoint %v returned status %d", method, endpoint, res.StatusCode)
	}

	if result != nil {
		if err := json.NewDecoder(res.Body).Decode(result); err != nil {
			return fmt.Errorf("error parsing %v response from archive endpoint %v: %w", method, endpoint, err)
		}
	}

	return nil
}

func (c *HTTPClient) get(endpoint string, result interface{}) error {
	return c.request("GET", endpoint, nil, result)
}

func (c *HTTPClient) post(endpoint string, body interface{}, result interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("error encoding request for archive endpoint %v: %w", endpoint, err)
	}
	return c.request("POST", endpoint, bytes.NewReader(data), result)
}
