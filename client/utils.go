package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

type httpRequest struct {
	method   string
	endpoint string
	headers  map[string]string
	params   map[string]string
	body     io.Reader
	err      error
}

func (r *httpRequest) Header(key, value string) *httpRequest {
	if r.headers == nil {
		r.headers = map[string]string{}
	}
	r.headers[key] = value
	return r
}

func (r *httpRequest) Auth(token string) *httpRequest {
	return r.Header("Authorization", "Bearer "+token)
}

func (r *httpRequest) Param(key, value string) *httpRequest {
	if r.params == nil {
		r.params = map[string]string{}
	}
	r.params[key] = value
	return r
}

func (r *httpRequest) Json(data any) *httpRequest {
	body, err := json.Marshal(data)
	if err != nil {
		r.err = fmt.Errorf("error serializing request body: %w", err)
		return r
	}
	r.body = bytes.NewReader(body)
	return r.Header("Content-Type", "application/json")
}

func (r *httpRequest) Process(result any) error {
	res, err := r.Do()
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing response body: %w", err)
		}
	}

	return nil
}

func (r *httpRequest) Do() (*http.Response, error) {
	if r.err != nil {
		return nil, r.err
	}

	req, err := http.NewRequest(r.method, r.endpoint, r.body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	for key, value := range r.headers {
		req.Header.Set(key, value)
	}

	if len(r.params) > 0 {
		query := req.URL.Query()
		for key, value := range r.params {
			query.Set(key, value)
		}
		req.URL.RawQuery = query.Encode()
	}

	start := time.Now()
	res, err := http.DefaultClient.Do(req)
	slog.Debug("client http request", "method", r.method, "endpoint", r.endpoint, "time", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		content, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, fmt.Errorf("request to endpoint %v returned status %d, unable to read response body", r.endpoint, res.StatusCode)
		}
		return nil, fmt.Errorf("request to endpoint %v returned status %d: %v", r.endpoint, res.StatusCode, string(content))
	}

	return res, nil
}

type BaseClient struct {
	baseUrl   string
	authToken string
}

func (c *BaseClient) endpoint(path string) string {
	return c.baseUrl + path
}

func (c *BaseClient) addAuthHeader(r *httpRequest) *httpRequest {
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *BaseClient) Get(path string) *httpRequest {
	return c.addAuthHeader(&httpRequest{method: "GET", endpoint: c.endpoint(path)})
}

func (c *BaseClient) Post(path string) *httpRequest {
	return c.addAuthHeader(&httpRequest{method: "POST", endpoint: c.endpoint(path)})
}

func (c *BaseClient) Put(path string) *httpRequest {
	return c.addAuthHeader(&httpRequest{method: "PUT", endpoint: c.endpoint(path)})
}

func (c *BaseClient) Delete(path string) *httpRequest {
	return c.addAuthHeader(&httpRequest{method: "DELETE", endpoint: c.endpoint(path)})
}
