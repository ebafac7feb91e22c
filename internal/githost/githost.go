// Package githost implements the Code-Host Client (component H): the
// sole collaborator allowed to make outbound network calls, per spec.md
// §5's ownership summary. It resolves PR metadata, fetches CI check-run
// artifacts, and posts comments/reviews/merges, all through the GitHub
// REST surface cmd/autobuilder/autobuilder.go already used
// (oauth2.StaticTokenSource + github.NewClient), generalised here with a
// rate-limit-aware retryablehttp transport since this client, unlike the
// teacher's one-shot commit poll, runs inside an interactive review loop
// where hitting GitHub's secondary rate limit is a real, reported failure
// mode (spec.md §7: "retries live only in the Code-Host Client").
package githost

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
	"github.com/google/go-github/v27/github"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/xerrors"
)

// commentMarker tags every comment this tool posts, so ListOwnComments can
// find them again without tracking comment IDs anywhere itself.
const commentMarker = "<!-- nixpkgs-review report -->"

// Client is the Code-Host Client collaborator. One Client is scoped to a
// single owner/repo.
type Client struct {
	gh    *github.Client
	http  *http.Client
	Owner string
	Repo  string
}

// NewClient builds a Client authenticated with token, talking to
// owner/repo. The underlying transport retries on 5xx and on GitHub's
// rate-limit responses (a 403 or 429 carrying X-RateLimit-Remaining: 0 or
// Retry-After), honouring whichever of those headers the response sends
// back instead of a fixed backoff schedule.
func NewClient(ctx context.Context, token, owner, repo string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 5
	rc.Logger = nil
	rc.CheckRetry = rateLimitAwareRetry
	rc.Backoff = rateLimitAwareBackoff
	base := rc.StandardClient()

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), ts)

	return &Client{gh: github.NewClient(tc), http: tc, Owner: owner, Repo: repo}
}

// rateLimitAwareRetry extends retryablehttp.DefaultRetryPolicy: a 403 or 429
// whose X-RateLimit-Remaining header reads "0" is always retried (the
// default policy treats 403 as non-retryable, which is wrong for GitHub's
// rate limiting), everything else defers to the default.
func rateLimitAwareRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests) {
		if resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != "" {
			return true, nil
		}
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// rateLimitAwareBackoff waits until X-RateLimit-Reset (or Retry-After) if
// either is present and in the future, falling back to
// retryablehttp.DefaultBackoff's exponential schedule otherwise.
func rateLimitAwareBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	if resp != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
		if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
			if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
				if d := time.Until(time.Unix(unix, 0)); d > 0 {
					return d
				}
			}
		}
	}
	return retryablehttp.DefaultBackoff(min, max, attemptNum, resp)
}

// wrapErr classifies a go-github error into the spec.md §7 error taxonomy:
// a 4xx response becomes a Remote4xxError (not retried further up the
// stack, since the retryable transport already exhausted its retries for
// transient cases), anything else a NetworkError.
func wrapErr(resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &nixpkgsreview.Remote4xxError{Status: resp.StatusCode, Msg: err.Error()}
	}
	return &nixpkgsreview.NetworkError{Err: err}
}

// FetchPR resolves a pull request's base/head metadata, matching spec.md
// §6's `GET /repos/{o}/{r}/pulls/{n}` contract.
func (c *Client) FetchPR(ctx context.Context, number int) (*nixpkgsreview.PRSpec, error) {
	pr, resp, err := c.gh.PullRequests.Get(ctx, c.Owner, c.Repo, number)
	if err != nil {
		return nil, wrapErr(resp, err)
	}
	return &nixpkgsreview.PRSpec{
		Number:  number,
		BaseRef: pr.GetBase().GetRef(),
		BaseSha: pr.GetBase().GetSHA(),
		HeadSha: pr.GetHead().GetSHA(),
		Title:   pr.GetTitle(),
		Body:    pr.GetBody(),
	}, nil
}

// FetchArtifact locates the check run for system on commit sha and, if it
// completed successfully, downloads its details_url as the changed-paths
// zip (spec.md §4.C). fresh is false whenever no matching, successful
// check run exists for that exact sha — the caller falls back to local
// evaluation in that case rather than treating it as an error.
func (c *Client) FetchArtifact(ctx context.Context, sha string, system nixpkgsreview.System) (zipData []byte, fresh bool, err error) {
	runs, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, c.Owner, c.Repo, sha, nil)
	if err != nil {
		return nil, false, wrapErr(resp, err)
	}
	for _, run := range runs.CheckRuns {
		if !strings.Contains(run.GetName(), string(system)) {
			continue
		}
		if run.GetStatus() != "completed" || run.GetConclusion() != "success" {
			continue
		}
		url := run.GetDetailsURL()
		if url == "" {
			continue
		}
		b, err := c.download(ctx, url)
		if err != nil {
			return nil, false, err
		}
		return b, true, nil
	}
	return nil, false, nil
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &nixpkgsreview.InternalError{Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &nixpkgsreview.NetworkError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &nixpkgsreview.Remote4xxError{Status: resp.StatusCode, Msg: url}
	}
	return io.ReadAll(resp.Body)
}

// PostComment posts a new issue comment, tagged with commentMarker so a
// later `comments` invocation can recognise it, matching spec.md §6's
// `POST /repos/{o}/{r}/issues/{n}/comments` contract.
func (c *Client) PostComment(ctx context.Context, number int, body string) error {
	comment := &github.IssueComment{Body: github.String(commentMarker + "\n\n" + body)}
	_, resp, err := c.gh.Issues.CreateComment(ctx, c.Owner, c.Repo, number, comment)
	return wrapErr(resp, err)
}

// ListOwnComments returns the bodies of every comment this tool
// previously posted to PR number (SUPPLEMENTED FEATURES #1).
func (c *Client) ListOwnComments(ctx context.Context, number int) ([]string, error) {
	var out []string
	opt := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, c.Owner, c.Repo, number, opt)
		if err != nil {
			return nil, wrapErr(resp, err)
		}
		for _, cm := range comments {
			if strings.Contains(cm.GetBody(), commentMarker) {
				out = append(out, cm.GetBody())
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

// Approve submits an APPROVE review, matching spec.md §6's `POST
// /repos/{o}/{r}/pulls/{n}/reviews` contract.
func (c *Client) Approve(ctx context.Context, number int, body string) error {
	review := &github.PullRequestReviewRequest{
		Event: github.String("APPROVE"),
		Body:  github.String(body),
	}
	_, resp, err := c.gh.PullRequests.CreateReview(ctx, c.Owner, c.Repo, number, review)
	return wrapErr(resp, err)
}

// Merge merges the pull request, matching spec.md §6's `PUT
// /repos/{o}/{r}/pulls/{n}/merge` contract.
func (c *Client) Merge(ctx context.Context, number int) error {
	_, resp, err := c.gh.PullRequests.Merge(ctx, c.Owner, c.Repo, number, "", nil)
	return wrapErr(resp, err)
}

// ParseRepoSlug splits a "https://github.com/owner/repo" (or
// "owner/repo") remote URL into its owner and repo components.
func ParseRepoSlug(remote string) (owner, repo string, err error) {
	s := strings.TrimSuffix(remote, ".git")
	s = strings.TrimPrefix(s, "https://github.com/")
	s = strings.TrimPrefix(s, "git@github.com:")
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", xerrors.Errorf("%s: not a github.com owner/repo remote", remote)
	}
	return parts[0], parts[1], nil
}
