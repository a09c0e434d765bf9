package tests

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"gopublish/publish/services"

	"github.com/google/uuid"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{
		api:      api,
		method:   method,
		endpoint: endpoint,
	}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

type httpError struct {
	code    int
	message string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("status %d: %v", e.code, e.message)
}

// statusCodeOf unwraps the http status behind an error returned by Do, or 0
// for non-http errors.
func statusCodeOf(err error) int {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		return httpErr.code
	}
	return 0
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	for k, v := range r.headers {
		req.Header.Add(k, v)
	}

	w := httptest.NewRecorder()
	r.api.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &httpError{code: res.StatusCode, message: w.Body.String()}
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

type client struct {
	api       http.Handler
	authToken string
}

func (c *client) Get(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "GET", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Post(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "POST", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Put(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "PUT", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "DELETE", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) login(username, password string) error {
	var res struct {
		Token string `json:"token"`
	}
	err := c.Post("/token/create").Json(map[string]string{"username": username, "password": password}).Do(&res)
	if err != nil {
		return err
	}
	c.authToken = res.Token
	return nil
}

type publishArgs struct {
	Path     string   `json:"path"`
	Version  int      `json:"version,omitempty"`
	Email    string   `json:"email,omitempty"`
	Contact  string   `json:"contact,omitempty"`
	LinkedTo string   `json:"linked_to,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

func (c *client) publish(args publishArgs) (uuid.UUID, int, error) {
	var res struct {
		FileId  uuid.UUID `json:"file_id"`
		Version int       `json:"version"`
	}
	err := c.Post("/file/publish").Json(args).Do(&res)
	return res.FileId, res.Version, err
}

func (c *client) view(fileId uuid.UUID) (services.ViewResult, error) {
	var res services.ViewResult
	err := c.Get(fmt.Sprintf("/file/view/%v", fileId)).Do(&res)
	return res, err
}

type fileList struct {
	Files []services.FileInfo `json:"files"`
	Total int64               `json:"total"`
}

func (c *client) list() (fileList, error) {
	var res fileList
	err := c.Get("/file/list").Do(&res)
	return res, err
}

func (c *client) search(query string) (fileList, error) {
	var res fileList
	err := c.Get("/file/search?" + query).Do(&res)
	return res, err
}

func (c *client) download(fileId uuid.UUID) (string, error) {
	req := newHttpTestRequest(c.api, "GET", fmt.Sprintf("/file/download/%v", fileId))

	httpReq := httptest.NewRequest(req.method, req.endpoint, nil)
	w := httptest.NewRecorder()
	c.api.ServeHTTP(w, httpReq)

	res := w.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", &httpError{code: res.StatusCode, message: w.Body.String()}
	}
	return w.Body.String(), nil
}

func (c *client) pull(fileId uuid.UUID, email string) (string, error) {
	var res struct {
		Message string `json:"message"`
	}
	req := c.Post(fmt.Sprintf("/file/pull/%v", fileId))
	if email != "" {
		req = req.Json(map[string]string{"email": email})
	}
	err := req.Do(&res)
	return res.Message, err
}

func (c *client) unpublish(fileId uuid.UUID) error {
	return c.Delete(fmt.Sprintf("/file/unpublish/%v", fileId)).Do(nil)
}

func (c *client) deleteFile(fileId uuid.UUID) error {
	return c.Delete(fmt.Sprintf("/file/delete/%v", fileId)).Do(nil)
}

func (c *client) uriLookup(path string) ([]uuid.UUID, error) {
	var res struct {
		Files []uuid.UUID `json:"files"`
	}
	encoded := base64.RawURLEncoding.EncodeToString([]byte(path))
	err := c.Get("/file/uri/" + encoded).Do(&res)
	return res.Files, err
}

func (c *client) listTags() ([]services.TagCount, error) {
	var res struct {
		Tags []services.TagCount `json:"tags"`
	}
	err := c.Get("/tag/list").Do(&res)
	return res.Tags, err
}

func (c *client) addTags(fileId uuid.UUID, tags []string) error {
	return c.Put(fmt.Sprintf("/tag/add/%v", fileId)).Json(map[string]interface{}{"tags": tags}).Do(nil)
}

func (c *client) removeTags(fileId uuid.UUID, tags []string) error {
	return c.Delete(fmt.Sprintf("/tag/remove/%v", fileId)).Json(map[string]interface{}{"tags": tags}).Do(nil)
}
