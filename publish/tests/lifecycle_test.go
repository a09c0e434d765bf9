package tests

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopublish/publish/schema"
)

// Removing the artifact of an archive-backed file flips it to pullable on
// the next read; a pull request brings it back through pulling.
func TestArchiveRoundTrip(t *testing.T) {
	env := setupTestEnv(t)
	alice := env.newClient(t, "alice")

	source := env.writeSource(t, env.moveRoot, "cold.dat", "cold storage content")
	fileId, _, err := alice.publish(publishArgs{Path: source})
	if err != nil {
		t.Fatal(err)
	}
	env.runTasks(t)

	artifact := filepath.Join(env.public, fileId.String())

	// Simulate the archive evicting the local copy. The source symlink now
	// dangles, which is expected.
	if err := os.Remove(artifact); err != nil {
		t.Fatal(err)
	}

	view, err := alice.view(fileId)
	if err != nil {
		t.Fatal(err)
	}
	if view.File.Status != schema.Pullable {
		t.Fatalf("expected pullable after artifact loss, got %v", view.File.Status)
	}

	message, err := alice.pull(fileId, "alice@mail.com")
	if err != nil {
		t.Fatal(err)
	}
	if message != "Ok" {
		t.Fatalf("unexpected pull response: %v", message)
	}

	view, err = alice.view(fileId)
	if err != nil {
		t.Fatal(err)
	}
	if view.File.Status != schema.Pulling {
		t.Fatalf("expected pulling, got %v", view.File.Status)
	}

	// A second pull while one is in flight is rejected instead of queueing
	// a duplicate retrieval.
	_, err = alice.pull(fileId, "")
	if statusCodeOf(err) != http.StatusConflict {
		t.Fatalf("expected 409 for concurrent pull, got %v", err)
	}

	env.runTasks(t)
	if len(env.archive.requests) != 1 || env.archive.requests[0] != artifact {
		t.Fatalf("unexpected archive requests: %v", env.archive.requests)
	}

	// The archive restored the artifact: the next read completes the cycle,
	// but only once the full size is back on disk.
	if err := os.WriteFile(artifact, []byte("cold stor"), 0644); err != nil {
		t.Fatal(err)
	}
	view, err = alice.view(fileId)
	if err != nil {
		t.Fatal(err)
	}
	if view.File.Status != schema.Pulling {
		t.Fatalf("partial restore should stay pulling, got %v", view.File.Status)
	}

	if err := os.WriteFile(artifact, []byte("cold storage content"), 0644); err != nil {
		t.Fatal(err)
	}
	view, err = alice.view(fileId)
	if err != nil {
		t.Fatal(err)
	}
	if view.File.Status != schema.Available {
		t.Fatalf("expected available after restore, got %v", view.File.Status)
	}
}

// A download that finds the artifact gone must leave an archive-backed
// record pullable, not unavailable, even when no view ran in between.
func TestDownloadOfEvictedArchiveFileStaysPullable(t *testing.T) {
	env := setupTestEnv(t)
	alice := env.newClient(t, "alice")

	source := env.writeSource(t, env.moveRoot, "cold.dat", "cold storage content")
	fileId, _, err := alice.publish(publishArgs{Path: source})
	if err != nil {
		t.Fatal(err)
	}
	env.runTasks(t)

	if err := os.Remove(filepath.Join(env.public, fileId.String())); err != nil {
		t.Fatal(err)
	}

	if _, err := alice.download(fileId); statusCodeOf(err) != http.StatusNotFound {
		t.Fatalf("expected 404 downloading an evicted artifact, got %v", err)
	}

	if record := env.record(t, fileId); record.Status != schema.Pullable {
		t.Fatalf("expected pullable after failed download, got %v", record.Status)
	}

	// The record must still be retrievable from the archive.
	message, err := alice.pull(fileId, "")
	if err != nil {
		t.Fatal(err)
	}
	if message != "Ok" {
		t.Fatalf("unexpected pull response: %v", message)
	}
	if record := env.record(t, fileId); record.Status != schema.Pulling {
		t.Fatalf("expected pulling after pull request, got %v", record.Status)
	}
}

func TestPullAlreadyAvailable(t *testing.T) {
	env := setupTestEnv(t)
	alice := env.newClient(t, "alice")

	fileId, _, err := alice.publish(publishArgs{Path: env.writeSource(t, env.moveRoot, "a.dat", "x")})
	if err != nil {
		t.Fatal(err)
	}
	env.runTasks(t)

	message, err := alice.pull(fileId, "")
	if err != nil {
		t.Fatal(err)
	}
	if message != "File already available" {
		t.Fatalf("unexpected message: %v", message)
	}
}

// A file in a repository without archive support goes unavailable when its
// artifact disappears, and cannot be pulled.
func TestArtifactLossWithoutArchive(t *testing.T) {
	env := setupTestEnv(t)
	alice := env.newClient(t, "alice")

	fileId, _, err := alice.publish(publishArgs{Path: env.writeSource(t, env.copyRoot, "a.txt", "x")})
	if err != nil {
		t.Fatal(err)
	}
	env.runTasks(t)

	if err := os.Remove(filepath.Join(env.public, fileId.String())); err != nil {
		t.Fatal(err)
	}

	_, err = alice.pull(fileId, "")
	if statusCodeOf(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for pull without archive, got %v", err)
	}

	view, err := alice.view(fileId)
	if err != nil {
		t.Fatal(err)
	}
	if view.File.Status != schema.Unavailable {
		t.Fatalf("expected unavailable, got %v", view.File.Status)
	}

	if _, err := alice.download(fileId); statusCodeOf(err) != http.StatusNotFound {
		t.Fatalf("expected 404 downloading a lost artifact, got %v", err)
	}
}

func TestUnpublish(t *testing.T) {
	env := setupTestEnv(t)
	alice := env.newClient(t, "alice")
	bob := env.newClient(t, "bob")

	fileId, _, err := alice.publish(publishArgs{Path: env.writeSource(t, env.copyRoot, "a.txt", "x")})
	if err != nil {
		t.Fatal(err)
	}

	// Not yet available: nothing to unpublish.
	if err := alice.unpublish(fileId); statusCodeOf(err) != http.StatusConflict {
		t.Fatalf("expected 409 unpublishing before available, got %v", err)
	}

	env.runTasks(t)

	// Only the owner or an admin may unpublish.
	if err := bob.unpublish(fileId); statusCodeOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-owner, got %v", err)
	}

	if err := alice.unpublish(fileId); err != nil {
		t.Fatal(err)
	}
	env.runTasks(t)

	files, err := alice.list()
	if err != nil {
		t.Fatal(err)
	}
	if files.Total != 0 {
		t.Fatalf("unpublished file still listed: %+v", files)
	}

	if _, err := alice.download(fileId); statusCodeOf(err) != http.StatusNotFound {
		t.Fatalf("expected 404 downloading unpublished file, got %v", err)
	}

	// The artifact itself stays in place.
	if _, err := os.Stat(filepath.Join(env.public, fileId.String())); err != nil {
		t.Fatal("unpublish must not remove the artifact")
	}
}

func TestDelete(t *testing.T) {
	env := setupTestEnv(t)
	alice := env.newClient(t, "alice")
	admin := env.newClient(t, "admin")

	fileId, _, err := alice.publish(publishArgs{Path: env.writeSource(t, env.copyRoot, "a.txt", "x")})
	if err != nil {
		t.Fatal(err)
	}
	env.runTasks(t)

	// Deletion is admin only, even for the owner.
	if err := alice.deleteFile(fileId); statusCodeOf(err) != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin delete, got %v", err)
	}

	if err := admin.deleteFile(fileId); err != nil {
		t.Fatal(err)
	}

	if _, err := alice.view(fileId); statusCodeOf(err) != http.StatusNotFound {
		t.Fatalf("expected 404 viewing deleted record, got %v", err)
	}

	env.runTasks(t)
	if _, err := os.Stat(filepath.Join(env.public, fileId.String())); !os.IsNotExist(err) {
		t.Fatal("artifact should be removed after delete")
	}
}
