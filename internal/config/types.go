package config

// Config is the on-disk configuration (JSON or YAML).
//
// Example (YAML):
//
//	github:
//	  token: ""            # falls back to $GITHUB_TOKEN
//	  owner: octocat
//	  repo: hello-world
//	  base_branch: main
//	  head_branch: dev
//	  interval: 60         # seconds, "90s", "01:30" or "@every 2m"
//	  auto_merge: true
//	logging:
//	  level: info
//	  console: true
type Config struct {
	GitHub   GitHubConfig   `json:"github"`
	Logging  LoggingConfig  `json:"logging"`
	Console  *ConsoleConfig `json:"console,omitempty"`
	Telegram TelegramConfig `json:"telegram"`
}

// GitHubConfig describes the repository the auto-PR job works on.
type GitHubConfig struct {
	Token      string `json:"token"`
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	BaseBranch string `json:"base_branch,omitempty"` // default "main"
	HeadBranch string `json:"head_branch,omitempty"` // default "dev"

	// Interval between loop iterations. See ParseInterval for accepted forms.
	// Missing or non-positive means 60s.
	Interval Interval `json:"interval,omitempty"`

	AutoMerge   bool   `json:"auto_merge,omitempty"`
	MergeMethod string `json:"merge_method,omitempty"` // merge|squash|rebase
	PRTitle     string `json:"pr_title,omitempty"`
	PRBody      string `json:"pr_body,omitempty"`

	// APIURL overrides the GitHub API base URL (GitHub Enterprise).
	APIURL string `json:"api_url,omitempty"`
	// RatePerSec paces GitHub API calls. 0 means the default.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	// RequestTimeout is a Go duration string (e.g. "15s").
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ConsoleConfig controls the interactive stdin surface.
// If the section is omitted the console is enabled.
type ConsoleConfig struct {
	Enabled bool   `json:"enabled"`
	Prompt  string `json:"prompt,omitempty"`
}

// TelegramConfig controls the optional Telegram control surface.
type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// ChatID receives relayed progress lines. 0 disables forwarding.
	ChatID int64 `json:"chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec paces forwarded messages (Telegram allows ~1 msg/s per chat).
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

const (
	DefaultBaseBranch = "main"
	DefaultHeadBranch = "dev"
)

// ConsoleEnabled reports the effective console flag.
func (c *Config) ConsoleEnabled() bool {
	return c.Console == nil || c.Console.Enabled
}
