package types

import "time"

// Repository identifies one remote git repository the service mirrors.
// Name and URL edits happen through the admin flow; the numeric id is
// stable and keys the local mirror directory.
type Repository struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	GitURL        string    `json:"git_url"`
	CredentialRef string    `json:"credential_ref,omitempty"` // env://, file://, vault://path#field, aws-sm://name#key
	CreatedAt     time.Time `json:"created_at"`
}

// Branch is derived from the mirror on every listing; it is never persisted.
type Branch struct {
	Name   string `json:"name"`
	Commit string `json:"commit"`
}

type CreateRepositoryRequest struct {
	Name          string `json:"name"`
	GitURL        string `json:"git_url"`
	CredentialRef string `json:"credential_ref,omitempty"`
}

type CreateBranchRequest struct {
	Name string `json:"name"`
	Base string `json:"base"`
}

// MirrorState reports where a repository's local mirror is in its
// absent -> cloning -> ready lifecycle.
type MirrorState string

const (
	MirrorStateAbsent  MirrorState = "absent"
	MirrorStateCloning MirrorState = "cloning"
	MirrorStateReady   MirrorState = "ready"
)

type MirrorInfo struct {
	RepositoryID int64       `json:"repository_id"`
	State        MirrorState `json:"state"`
	Path         string      `json:"path,omitempty"`
	LastFetched  time.Time   `json:"last_fetched"`
}
