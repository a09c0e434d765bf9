package client

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"gopublish/publish/services"
)

// GopublishClient is a thin wrapper around the gopublish HTTP API.
type GopublishClient struct {
	BaseClient
}

func New(baseUrl string) *GopublishClient {
	return &GopublishClient{BaseClient{baseUrl: baseUrl}}
}

func (c *GopublishClient) Login(username, password string) error {
	body := map[string]string{"username": username, "password": password}

	var res struct {
		Token string `json:"token"`
	}
	err := c.Post("/api/token/create").Json(body).Process(&res)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	c.authToken = res.Token
	return nil
}

type PublishArgs struct {
	Path     string   `json:"path"`
	Version  int      `json:"version,omitempty"`
	Email    string   `json:"email,omitempty"`
	Contact  string   `json:"contact,omitempty"`
	LinkedTo string   `json:"linked_to,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type PublishResult struct {
	Message string    `json:"message"`
	FileId  uuid.UUID `json:"file_id"`
	Version int       `json:"version"`
}

func (c *GopublishClient) Publish(args PublishArgs) (PublishResult, error) {
	var res PublishResult
	err := c.Post("/api/file/publish").Json(args).Process(&res)
	if err != nil {
		return PublishResult{}, fmt.Errorf("publish failed: %w", err)
	}
	return res, nil
}

func (c *GopublishClient) View(fileId uuid.UUID) (services.ViewResult, error) {
	var res services.ViewResult
	err := c.Get("/api/file/view/" + fileId.String()).Process(&res)
	if err != nil {
		return services.ViewResult{}, fmt.Errorf("view failed: %w", err)
	}
	return res, nil
}

type fileListing struct {
	Files []services.FileInfo `json:"files"`
	Total int64               `json:"total"`
}

func (c *GopublishClient) List(offset, limit int) ([]services.FileInfo, int64, error) {
	var res fileListing
	err := c.Get("/api/file/list").
		Param("offset", fmt.Sprint(offset)).Param("limit", fmt.Sprint(limit)).
		Process(&res)
	if err != nil {
		return nil, 0, fmt.Errorf("list failed: %w", err)
	}
	return res.Files, res.Total, nil
}

func (c *GopublishClient) Search(term string, tags []string, offset, limit int) ([]services.FileInfo, int64, error) {
	req := c.Get("/api/file/search").
		Param("offset", fmt.Sprint(offset)).Param("limit", fmt.Sprint(limit))
	if term != "" {
		req = req.Param("file", term)
	}
	for _, tag := range tags {
		req = req.Param("tag", tag)
	}

	var res fileListing
	err := req.Process(&res)
	if err != nil {
		return nil, 0, fmt.Errorf("search failed: %w", err)
	}
	return res.Files, res.Total, nil
}

// Download streams the published artifact into dest.
func (c *GopublishClient) Download(fileId uuid.UUID, dest string) error {
	res, err := c.Get("/api/file/download/" + fileId.String()).Do()
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer res.Body.Close()

	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("error creating file %v: %w", dest, err)
	}
	defer file.Close()

	_, err = io.Copy(file, res.Body)
	if err != nil {
		return fmt.Errorf("error writing file %v: %w", dest, err)
	}
	return nil
}

func (c *GopublishClient) Pull(fileId uuid.UUID, email string) (string, error) {
	req := c.Post("/api/file/pull/" + fileId.String())
	if email != "" {
		req = req.Json(map[string]string{"email": email})
	}

	var res struct {
		Message string `json:"message"`
	}
	err := req.Process(&res)
	if err != nil {
		return "", fmt.Errorf("pull failed: %w", err)
	}
	return res.Message, nil
}

func (c *GopublishClient) Unpublish(fileId uuid.UUID) error {
	err := c.Delete("/api/file/unpublish/" + fileId.String()).Process(nil)
	if err != nil {
		return fmt.Errorf("unpublish failed: %w", err)
	}
	return nil
}

func (c *GopublishClient) DeleteFile(fileId uuid.UUID) error {
	err := c.Delete("/api/file/delete/" + fileId.String()).Process(nil)
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}

// UriLookup resolves a filesystem path to the ids of files published from it.
func (c *GopublishClient) UriLookup(path string) ([]uuid.UUID, error) {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(path))

	var res struct {
		Files []uuid.UUID `json:"files"`
	}
	err := c.Get("/api/file/uri/" + encoded).Process(&res)
	if err != nil {
		return nil, fmt.Errorf("uri lookup failed: %w", err)
	}
	return res.Files, nil
}

func (c *GopublishClient) ListTags() ([]services.TagCount, error) {
	var res struct {
		Tags []services.TagCount `json:"tags"`
	}
	err := c.Get("/api/tag/list").Process(&res)
	if err != nil {
		return nil, fmt.Errorf("tag list failed: %w", err)
	}
	return res.Tags, nil
}

func (c *GopublishClient) AddTags(fileId uuid.UUID, tags []string) error {
	err := c.Put("/api/tag/add/" + fileId.String()).Json(map[string][]string{"tags": tags}).Process(nil)
	if err != nil {
		return fmt.Errorf("tag add failed: %w", err)
	}
	return nil
}

func (c *GopublishClient) RemoveTags(fileId uuid.UUID, tags []string) error {
	err := c.Delete("/api/tag/remove/" + fileId.String()).Json(map[string][]string{"tags": tags}).Process(nil)
	if err != nil {
		return fmt.Errorf("tag remove failed: %w", err)
	}
	return nil
}

func (c *GopublishClient) Health() error {
	err := c.Get("/api/health").Process(nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}
