package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrTokenRequired     = errors.New("token is required")
	ErrInvalidRepository = errors.New("provide valid owner and repository")
)

// TokenEnv is consulted when github.token is empty.
const TokenEnv = "GITHUB_TOKEN"

// GitHubSettings is the resolved, validated form of GitHubConfig.
type GitHubSettings struct {
	Token       string
	Owner       string
	Repo        string
	BaseBranch  string
	HeadBranch  string
	AutoMerge   bool
	MergeMethod string
	PRTitle     string
	PRBody      string
	APIURL      string
	RatePerSec  float64
}

// FullName returns "owner/repo".
func (s GitHubSettings) FullName() string { return s.Owner + "/" + s.Repo }

// ResolveGitHub trims and defaults the GitHub section and checks the fields
// the job cannot run without. Errors are returned before anything is spawned.
func ResolveGitHub(c GitHubConfig) (GitHubSettings, error) {
	s := GitHubSettings{
		Token:       strings.TrimSpace(c.Token),
		Owner:       strings.TrimSpace(c.Owner),
		Repo:        strings.TrimSpace(c.Repo),
		BaseBranch:  strings.TrimSpace(c.BaseBranch),
		HeadBranch:  strings.TrimSpace(c.HeadBranch),
		AutoMerge:   c.AutoMerge,
		MergeMethod: strings.ToLower(strings.TrimSpace(c.MergeMethod)),
		PRTitle:     strings.TrimSpace(c.PRTitle),
		PRBody:      c.PRBody,
		APIURL:      strings.TrimSpace(c.APIURL),
		RatePerSec:  c.RatePerSec,
	}
	if s.Token == "" {
		s.Token = strings.TrimSpace(os.Getenv(TokenEnv))
	}
	if s.BaseBranch == "" {
		s.BaseBranch = DefaultBaseBranch
	}
	if s.HeadBranch == "" {
		s.HeadBranch = DefaultHeadBranch
	}
	if s.MergeMethod == "" {
		s.MergeMethod = "merge"
	}

	if s.Token == "" {
		return s, ErrTokenRequired
	}
	if s.Owner == "" || s.Repo == "" || strings.Contains(s.Owner, "/") || strings.Contains(s.Repo, "/") {
		return s, ErrInvalidRepository
	}
	switch s.MergeMethod {
	case "merge", "squash", "rebase":
	default:
		return s, fmt.Errorf("github.merge_method: unsupported %q (merge|squash|rebase)", s.MergeMethod)
	}
	if s.BaseBranch == s.HeadBranch {
		return s, fmt.Errorf("github: base and head branch are both %q", s.BaseBranch)
	}
	return s, nil
}

// Validate checks everything that can be checked without contacting an API.
// It is used before committing a reloaded config, so it reports shape
// problems only: a missing GitHub token is allowed at load time and surfaces
// when an operation needs it.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var result *multierror.Error

	if _, err := cfg.GitHub.Interval.Duration(); err != nil {
		result = multierror.Append(result, fmt.Errorf("github.interval: %w", err))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.GitHub.MergeMethod)) {
	case "", "merge", "squash", "rebase":
	default:
		result = multierror.Append(result, fmt.Errorf("github.merge_method: unsupported %q", cfg.GitHub.MergeMethod))
	}
	if cfg.GitHub.RatePerSec < 0 {
		result = multierror.Append(result, errors.New("github.rate_per_sec: must be >= 0"))
	}
	if _, err := ParseDurationField("github.request_timeout", cfg.GitHub.RequestTimeout); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		result = multierror.Append(result, err)
	}
	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			result = multierror.Append(result, errors.New("telegram.token: required when telegram is enabled"))
		}
		if len(cfg.Telegram.OwnerUserIDs) == 0 {
			result = multierror.Append(result, errors.New("telegram.owner_user_ids: at least one owner is required"))
		}
	}
	if cfg.Telegram.RatePerSec < 0 {
		result = multierror.Append(result, errors.New("telegram.rate_per_sec: must be >= 0"))
	}
	return result.ErrorOrNil()
}
