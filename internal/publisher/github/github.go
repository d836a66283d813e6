// Package github reflects loop state onto pull requests as a single
// "loop:<state>" label.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// LabelPrefix marks the labels this publisher owns.
const LabelPrefix = "loop:"

// Request names the PR and the state to show on it.
type Request struct {
	LoopID   string
	Repo     string // owner/name
	PRNumber int
	State    string
}

// Config configures a LabelPublisher.
type Config struct {
	Token string
	// BaseURL overrides the API endpoint (GitHub Enterprise, tests).
	BaseURL    string
	MaxRetries uint64
	Logger     *slog.Logger
	// HTTPClient is used when Token is empty.
	HTTPClient *http.Client
}

// LabelPublisher sets the loop state label on a PR, replacing any other
// label with LabelPrefix.
type LabelPublisher struct {
	client     *github.Client
	maxRetries uint64
	logger     *slog.Logger
	// retryBase is the first backoff interval.
	retryBase time.Duration
}

func New(cfg Config) (*LabelPublisher, error) {
	httpClient := cfg.HTTPClient
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}
	client := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = u
	}
	p := &LabelPublisher{
		client:     client,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
		retryBase:  500 * time.Millisecond,
	}
	if p.maxRetries == 0 {
		p.maxRetries = 3
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// SplitRepo parses "owner/name".
func SplitRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(repo), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repo %q (expected owner/name)", repo)
	}
	return owner, name, nil
}

// Label is the label shown for state.
func Label(state string) string {
	return LabelPrefix + state
}

// PublishState makes Label(req.State) the only loop label on the PR.
func (p *LabelPublisher) PublishState(ctx context.Context, req Request) error {
	owner, name, err := SplitRepo(req.Repo)
	if err != nil {
		return err
	}
	if req.PRNumber <= 0 {
		return fmt.Errorf("publish state: loop %s has no pull request", req.LoopID)
	}
	want := Label(req.State)

	var current []*github.Label
	err = p.retry(ctx, func() error {
		var err error
		current, _, err = p.client.Issues.ListLabelsByIssue(ctx, owner, name, req.PRNumber, &github.ListOptions{PerPage: 100})
		return err
	})
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}

	has := false
	for _, l := range current {
		label := l.GetName()
		switch {
		case label == want:
			has = true
		case strings.HasPrefix(label, LabelPrefix):
			err := p.retry(ctx, func() error {
				_, err := p.client.Issues.RemoveLabelForIssue(ctx, owner, name, req.PRNumber, label)
				if isStatus(err, http.StatusNotFound) {
					return nil
				}
				return err
			})
			if err != nil {
				return fmt.Errorf("remove label %s: %w", label, err)
			}
		}
	}
	if has {
		return nil
	}
	err = p.retry(ctx, func() error {
		_, _, err := p.client.Issues.AddLabelsToIssue(ctx, owner, name, req.PRNumber, []string{want})
		return err
	})
	if err != nil {
		return fmt.Errorf("add label %s: %w", want, err)
	}
	p.logger.Info("published loop state", "loop_id", req.LoopID, "repo", req.Repo, "pr", req.PRNumber, "label", want)
	return nil
}

// retry repeats f on rate limits and server errors.
func (p *LabelPublisher) retry(ctx context.Context, f func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryBase
	b.MaxInterval = 10 * p.retryBase
	return backoff.Retry(func() error {
		err := f()
		if err == nil || retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, p.maxRetries), ctx))
}

func retryable(err error) bool {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return respErr.Response.StatusCode >= 500
	}
	// Transport errors.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func isStatus(err error, status int) bool {
	var respErr *github.ErrorResponse
	return errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode == status
}
