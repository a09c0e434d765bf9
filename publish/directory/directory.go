// Package directory abstracts the user directory (LDAP in production) that
// gopublish consults for credentials and group memberships. The wire
// protocol is an external concern; the core only needs these two lookups.
package directory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type UserRecord struct {
	// Numeric user id, compared against file owner uids for owner-only
	// repositories.
	UserId string

	GroupIds   []string
	GroupNames []string
}

type Directory interface {
	// Authenticate checks a username/password pair. A false return with a
	// nil error means the credentials were rejected.
	Authenticate(username, password string) (bool, error)

	// LookupUser resolves a username to its id and group memberships. An
	// error here must be treated as a denial by callers, never ignored.
	LookupUser(username string) (UserRecord, error)
}

// StaticDirectory serves a fixed set of users. Used in tests and in
// non-production run modes where no LDAP is available.
type StaticDirectory struct {
	Users     map[string]UserRecord
	Passwords map[string]string
}

func (d *StaticDirectory) Authenticate(username, password string) (bool, error) {
	expected, ok := d.Passwords[username]
	return ok && expected == password, nil
}

func (d *StaticDirectory) LookupUser(username string) (UserRecord, error) {
	record, ok := d.Users[username]
	if !ok {
		return UserRecord{}, fmt.Errorf("could not find user %v in directory", username)
	}
	return record, nil
}

type staticUserConfig struct {
	Password   string   `yaml:"password"`
	UserId     string   `yaml:"user_id"`
	GroupIds   []string `yaml:"group_ids"`
	GroupNames []string `yaml:"group_names"`
}

// LoadStatic reads a StaticDirectory from a yaml file mapping usernames to
// their password, id, and groups.
func LoadStatic(path string) (*StaticDirectory, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading user directory file %v: %w", path, err)
	}

	var users map[string]staticUserConfig
	if err := yaml.Unmarshal(content, &users); err != nil {
		return nil, fmt.Errorf("error parsing user directory file %v: %w", path, err)
	}

	dir := &StaticDirectory{
		Users:     make(map[string]UserRecord, len(users)),
		Passwords: make(map[string]string, len(users)),
	}
	for username, conf := range users {
		dir.Users[username] = UserRecord{UserId: conf.UserId, GroupIds: conf.GroupIds, GroupNames: conf.GroupNames}
		dir.Passwords[username] = conf.Password
	}
	return dir, nil
}

// OpenDirectory accepts any credentials and resolves every user to an empty
// record. Mirrors the original behavior outside production mode, where the
// LDAP checks are skipped entirely.
type OpenDirectory struct{}

func (OpenDirectory) Authenticate(username, password string) (bool, error) {
	return true, nil
}

func (OpenDirectory) LookupUser(username string) (UserRecord, error) {
	return UserRecord{}, nil
}
