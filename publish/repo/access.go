package repo

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"gopublish/publish/directory"
)

// Identity is the resolved caller of a request. Token verification happens
// upstream; by the time the core sees an Identity it is trusted.
type Identity struct {
	Username string
	IsAdmin  bool
}

// AccessDeniedError carries the stable reason string surfaced to callers.
type AccessDeniedError struct {
	Username string
	Reason   string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("user %v does not have permission to publish this file on this repository: %v", e.Username, e.Reason)
}

// CanPublish decides whether identity may publish the file at path into the
// repository. If the repository declares allowed users or groups, the
// identity must appear in the user list or share a group with the group
// list. With no declared lists the policy is owner-only: the identity's
// directory uid must match the file owner's uid. A directory lookup failure
// is a denial, never a silent allow.
func CanPublish(repo *Repository, dir directory.Directory, identity Identity, path string) error {
	record, err := dir.LookupUser(identity.Username)
	if err != nil {
		return &AccessDeniedError{Username: identity.Username, Reason: err.Error()}
	}

	if len(repo.AllowedUsers) > 0 || len(repo.AllowedGroups) > 0 {
		if contains(repo.AllowedUsers, identity.Username) || contains(repo.AllowedUsers, record.UserId) {
			return nil
		}
		for _, group := range record.GroupIds {
			if contains(repo.AllowedGroups, group) {
				return nil
			}
		}
		for _, group := range record.GroupNames {
			if contains(repo.AllowedGroups, group) {
				return nil
			}
		}
		return &AccessDeniedError{Username: identity.Username, Reason: "not in allowed users or groups"}
	}

	// A directory that does not track uids (open mode) cannot enforce the
	// owner-only policy, so it does not deny.
	if record.UserId == "" {
		return nil
	}

	ownerUid, err := fileOwnerUid(path)
	if err != nil {
		return &AccessDeniedError{Username: identity.Username, Reason: err.Error()}
	}
	if record.UserId == ownerUid {
		return nil
	}

	return &AccessDeniedError{Username: identity.Username, Reason: "not the owner of the file"}
}

func fileOwnerUid(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("error checking owner of '%v': %w", path, err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", fmt.Errorf("owner information unavailable for '%v'", path)
	}
	return strconv.FormatUint(uint64(stat.Uid), 10), nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
