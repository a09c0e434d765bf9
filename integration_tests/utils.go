package integrationtests

import (
	"fmt"
	"math/rand"
	"os"
	"testing"

	"gopublish/client"
)

// These tests run against a live gopublish deployment. They are skipped
// unless GOPUBLISH_URL points at one, e.g. GOPUBLISH_URL=http://localhost:8000.
func getClient(t *testing.T) *client.GopublishClient {
	url := os.Getenv("GOPUBLISH_URL")
	if url == "" {
		t.Skip("GOPUBLISH_URL is not set")
	}

	c := client.New(url)

	username := os.Getenv("GOPUBLISH_USER")
	password := os.Getenv("GOPUBLISH_PASSWORD")
	if username != "" {
		err := c.Login(username, password)
		if err != nil {
			t.Fatal(err)
		}
	}

	return c
}

func randomName(prefix string) string {
	return fmt.Sprintf("%v-%v", prefix, rand.Intn(10000000))
}
