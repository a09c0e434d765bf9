package integrationtests

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"gopublish/client"
)

func TestHealthAndListing(t *testing.T) {
	c := getClient(t)

	if err := c.Health(); err != nil {
		t.Fatal(err)
	}

	files, total, err := c.List(0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if int64(len(files)) > total {
		t.Fatalf("listing returned %d files but reports total %d", len(files), total)
	}

	if _, err := c.ListTags(); err != nil {
		t.Fatal(err)
	}
}

// TestPublishLifecycle publishes a real file and follows it to the available
// state. It needs GOPUBLISH_TEST_FILE to name a file inside one of the
// server's repositories, writable by the GOPUBLISH_USER account.
func TestPublishLifecycle(t *testing.T) {
	c := getClient(t)

	path := os.Getenv("GOPUBLISH_TEST_FILE")
	if path == "" {
		t.Skip("GOPUBLISH_TEST_FILE is not set")
	}

	tag := randomName("integration")

	res, err := c.Publish(client.PublishArgs{Path: path, Tags: []string{tag}})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Minute)
	for {
		view, err := c.View(res.FileId)
		if err != nil {
			t.Fatal(err)
		}
		if view.File.Status == "available" {
			if view.File.FileName != filepath.Base(path) {
				t.Fatalf("unexpected file name %v", view.File.FileName)
			}
			if !slices.Contains(view.File.Tags, tag) {
				t.Fatalf("expected tag %v on file, got %v", tag, view.File.Tags)
			}
			break
		}
		if view.File.Status == "failed" {
			t.Fatalf("publication failed")
		}
		if time.Now().After(deadline) {
			t.Fatalf("file still in status %v", view.File.Status)
		}
		time.Sleep(2 * time.Second)
	}

	files, _, err := c.Search("", []string{tag}, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Uri != res.FileId {
		t.Fatalf("tag search did not find the published file")
	}

	dest := filepath.Join(t.TempDir(), "download")
	if err := c.Download(res.FileId, dest); err != nil {
		t.Fatal(err)
	}
	downloaded, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(downloaded) == 0 {
		t.Fatal("downloaded file is empty")
	}

	if err := c.Unpublish(res.FileId); err != nil {
		t.Fatal(err)
	}
}
