package types

// Permission is one (user, repository) access grant. Grants are produced by
// an external administrative workflow and are read-only inputs here.
type Permission struct {
	UserID          int64    `json:"user_id" yaml:"user_id"`
	RepositoryID    int64    `json:"repository_id" yaml:"repository_id"`
	CanCreateBranch bool     `json:"can_create_branches" yaml:"can_create_branches"`
	BranchLimit     int      `json:"branch_limit" yaml:"branch_limit"` // 0 means unlimited
	AllowedBases    []string `json:"allowed_base_branches" yaml:"allowed_base_branches"`
	AllowTerminal   bool     `json:"allow_terminal_access" yaml:"allow_terminal_access"`
}
