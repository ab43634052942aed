// Package autopr implements the job that keeps a pull request open from a
// head branch into a base branch and optionally merges it.
package autopr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"golang.org/x/time/rate"

	"autoprbot/internal/config"
	"autoprbot/internal/relay"
	logx "autoprbot/pkg/logx"
)

const (
	defaultRatePerSec     = 5.0
	defaultRequestTimeout = 30 * time.Second
)

// ErrNotMergeable is returned when GitHub refuses to merge the pull request.
var ErrNotMergeable = errors.New("pull request is not mergeable")

type Option func(*Bot)

// WithHTTPClient replaces the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(b *Bot) { b.hc = hc }
}

func WithLogger(log logx.Logger) Option {
	return func(b *Bot) { b.log = log }
}

// WithLimiter shares a limiter between bots built from successive configs.
func WithLimiter(l *rate.Limiter) Option {
	return func(b *Bot) { b.limiter = l }
}

// Bot is one configured instance of the job. It is safe to Execute from
// several goroutines at once; GitHub itself arbitrates duplicate PRs.
type Bot struct {
	s       config.GitHubSettings
	gh      *github.Client
	hc      *http.Client
	limiter *rate.Limiter
	out     relay.Emitter
	log     logx.Logger
}

// New validates cfg and builds a Bot. Configuration errors are returned
// here and never reach out.
func New(cfg config.GitHubConfig, out relay.Emitter, opts ...Option) (*Bot, error) {
	s, err := config.ResolveGitHub(cfg)
	if err != nil {
		return nil, err
	}
	timeout, err := config.ParseDurationOrDefault("github.request_timeout", cfg.RequestTimeout, defaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = relay.Func(func(string) {})
	}

	b := &Bot{s: s, out: out}
	for _, o := range opts {
		o(b)
	}
	if b.hc == nil {
		b.hc = &http.Client{Timeout: timeout}
	}
	if b.limiter == nil {
		r := s.RatePerSec
		if r <= 0 {
			r = defaultRatePerSec
		}
		b.limiter = rate.NewLimiter(rate.Limit(r), 1)
	}
	b.log = b.log.With(logx.String("comp", "autopr"), logx.String("repo", s.FullName()))

	b.gh = github.NewClient(b.hc).WithAuthToken(s.Token)
	if s.APIURL != "" {
		u, err := url.Parse(s.APIURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("github.api_url: invalid %q", s.APIURL)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		b.gh.BaseURL = u
	}
	return b, nil
}

// Settings returns the resolved configuration.
func (b *Bot) Settings() config.GitHubSettings { return b.s }

// Execute runs one compare / open / merge pass.
func (b *Bot) Execute(ctx context.Context) error {
	s := b.s
	b.log.Debug("checking branches", logx.String("base", s.BaseBranch), logx.String("head", s.HeadBranch))

	ahead, err := b.aheadBy(ctx)
	if err != nil {
		return err
	}
	if ahead == 0 {
		b.out.Emit(fmt.Sprintf("No changes between %s and %s.", s.BaseBranch, s.HeadBranch))
		return nil
	}

	pr, err := b.findOpen(ctx)
	if err != nil {
		return err
	}
	if pr == nil {
		pr, err = b.create(ctx, ahead)
		if err != nil {
			return err
		}
		b.out.Emit(fmt.Sprintf("Created PR #%d: %s", pr.GetNumber(), pr.GetHTMLURL()))
	} else {
		b.out.Emit(fmt.Sprintf("Found open PR #%d", pr.GetNumber()))
	}

	if !s.AutoMerge {
		return nil
	}
	if err := b.merge(ctx, pr.GetNumber()); err != nil {
		return err
	}
	b.out.Emit(fmt.Sprintf("Merged PR #%d", pr.GetNumber()))
	return nil
}

func (b *Bot) wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func (b *Bot) aheadBy(ctx context.Context) (int, error) {
	if err := b.wait(ctx); err != nil {
		return 0, err
	}
	cmp, _, err := b.gh.Repositories.CompareCommits(ctx, b.s.Owner, b.s.Repo, b.s.BaseBranch, b.s.HeadBranch, nil)
	if err != nil {
		return 0, fmt.Errorf("compare %s...%s: %w", b.s.BaseBranch, b.s.HeadBranch, err)
	}
	return cmp.GetAheadBy(), nil
}

func (b *Bot) findOpen(ctx context.Context) (*github.PullRequest, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	prs, _, err := b.gh.PullRequests.List(ctx, b.s.Owner, b.s.Repo, &github.PullRequestListOptions{
		State: "open",
		Head:  b.s.Owner + ":" + b.s.HeadBranch,
		Base:  b.s.BaseBranch,
	})
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return prs[0], nil
}

func (b *Bot) create(ctx context.Context, ahead int) (*github.PullRequest, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	title := b.s.PRTitle
	if title == "" {
		title = fmt.Sprintf("Merge %s into %s", b.s.HeadBranch, b.s.BaseBranch)
	}
	body := b.s.PRBody
	if body == "" {
		body = fmt.Sprintf("Automated pull request: %s is %d commit(s) ahead of %s.", b.s.HeadBranch, ahead, b.s.BaseBranch)
	}
	pr, _, err := b.gh.PullRequests.Create(ctx, b.s.Owner, b.s.Repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(b.s.HeadBranch),
		Base:  github.String(b.s.BaseBranch),
		Body:  github.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	b.log.Info("pull request created", logx.Int("number", pr.GetNumber()))
	return pr, nil
}

func (b *Bot) merge(ctx context.Context, number int) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	res, resp, err := b.gh.PullRequests.Merge(ctx, b.s.Owner, b.s.Repo, number, "", &github.PullRequestOptions{
		MergeMethod: b.s.MergeMethod,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusConflict) {
			return fmt.Errorf("merge PR #%d: %w", number, ErrNotMergeable)
		}
		return fmt.Errorf("merge PR #%d: %w", number, err)
	}
	if !res.GetMerged() {
		return fmt.Errorf("merge PR #%d: %w: %s", number, ErrNotMergeable, res.GetMessage())
	}
	b.log.Info("pull request merged", logx.Int("number", number), logx.String("sha", res.GetSHA()))
	return nil
}
