package repo

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"gopublish/publish/directory"

	"github.com/stretchr/testify/assert"
)

func testDirectory() *directory.StaticDirectory {
	return &directory.StaticDirectory{
		Users: map[string]directory.UserRecord{
			"alice": {UserId: strconv.Itoa(os.Getuid()), GroupIds: []string{"500"}, GroupNames: []string{"science"}},
			"bob":   {UserId: "99999", GroupIds: []string{"600"}, GroupNames: []string{"admin-staff"}},
		},
		Passwords: map[string]string{"alice": "pw", "bob": "pw"},
	}
}

func TestAllowedUserList(t *testing.T) {
	dir := testDirectory()
	rep := &Repository{RootPath: "/data", AllowedUsers: []string{"alice"}}

	assert.NoError(t, CanPublish(rep, dir, Identity{Username: "alice"}, "/data/f"))

	err := CanPublish(rep, dir, Identity{Username: "bob"}, "/data/f")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "does not have permission")
}

func TestAllowedUserByUid(t *testing.T) {
	dir := testDirectory()
	rep := &Repository{RootPath: "/data", AllowedUsers: []string{"99999"}}

	assert.NoError(t, CanPublish(rep, dir, Identity{Username: "bob"}, "/data/f"))
	assert.Error(t, CanPublish(rep, dir, Identity{Username: "alice"}, "/data/f"))
}

func TestAllowedGroups(t *testing.T) {
	dir := testDirectory()

	byName := &Repository{RootPath: "/data", AllowedGroups: []string{"science"}}
	assert.NoError(t, CanPublish(byName, dir, Identity{Username: "alice"}, "/data/f"))
	assert.Error(t, CanPublish(byName, dir, Identity{Username: "bob"}, "/data/f"))

	byId := &Repository{RootPath: "/data", AllowedGroups: []string{"600"}}
	assert.NoError(t, CanPublish(byId, dir, Identity{Username: "bob"}, "/data/f"))
	assert.Error(t, CanPublish(byId, dir, Identity{Username: "alice"}, "/data/f"))
}

// An unknown user fails closed even on a repository with an allow list.
func TestLookupFailureIsDenial(t *testing.T) {
	dir := testDirectory()
	rep := &Repository{RootPath: "/data", AllowedUsers: []string{"carol"}}

	err := CanPublish(rep, dir, Identity{Username: "carol"}, "/data/f")
	assert.Error(t, err)
}

func TestOwnerOnlyPolicy(t *testing.T) {
	dir := testDirectory()
	rep := &Repository{RootPath: "/data"}

	path := filepath.Join(t.TempDir(), "owned.txt")
	if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}

	// alice's directory uid matches the file owner, bob's does not.
	assert.NoError(t, CanPublish(rep, dir, Identity{Username: "alice"}, path))

	err := CanPublish(rep, dir, Identity{Username: "bob"}, path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not the owner")
}

// A directory with no uid information cannot enforce ownership and allows.
func TestOwnerOnlyWithOpenDirectory(t *testing.T) {
	rep := &Repository{RootPath: "/data"}

	path := filepath.Join(t.TempDir(), "owned.txt")
	if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}

	assert.NoError(t, CanPublish(rep, directory.OpenDirectory{}, Identity{Username: "anyone"}, path))
}
