package tests

import (
	"net/http"
	"testing"
)

func TestTokenCreation(t *testing.T) {
	env := setupTestEnv(t)

	c := client{api: env.api}
	if err := c.login("alice", "alice_password"); err != nil {
		t.Fatal(err)
	}
	if c.authToken == "" {
		t.Fatal("expected a token")
	}

	// The token works against an authenticated endpoint.
	fileId, _, err := c.publish(publishArgs{Path: env.writeSource(t, env.copyRoot, "a.txt", "x")})
	if err != nil {
		t.Fatal(err)
	}
	if fileId.String() == "" {
		t.Fatal("expected a file id")
	}
}

func TestTokenRejectsBadCredentials(t *testing.T) {
	env := setupTestEnv(t)
	c := client{api: env.api}

	err := c.login("alice", "wrong_password")
	if statusCodeOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %v", err)
	}

	err = c.login("ghost", "password")
	if statusCodeOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown user, got %v", err)
	}

	err = c.login("", "")
	if statusCodeOf(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing credentials, got %v", err)
	}
}

func TestGarbageTokenRejected(t *testing.T) {
	env := setupTestEnv(t)

	c := client{api: env.api, authToken: "not-a-real-token"}
	_, _, err := c.publish(publishArgs{Path: env.writeSource(t, env.copyRoot, "a.txt", "x")})
	if statusCodeOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %v", err)
	}
}
