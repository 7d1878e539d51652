package github

import (
	"context"
	"strings"

	"github.com/google/go-github/v68/github"
)

// FetchIssue fetches issue metadata.
func (c *Client) FetchIssue(ctx context.Context, repo Repo, number int) (*IssueInfo, error) {
	issue, _, err := c.gh.Issues.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return nil, wrapError("fetch issue", err)
	}
	info := convertFromGitHubIssue(issue)
	if info.Repository == "" {
		info.Repository = repo.String()
	}
	return info, nil
}

func convertFromGitHubIssue(issue *github.Issue) *IssueInfo {
	info := &IssueInfo{
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issue.GetState(),
		URL:       issue.GetHTMLURL(),
		CreatedAt: issue.GetCreatedAt().Time,
		UpdatedAt: issue.GetUpdatedAt().Time,
		IsPR:      issue.IsPullRequest(),
	}
	if user := issue.GetUser(); user != nil {
		info.Author = user.GetLogin()
	}
	// Repository is absent from most issue responses.
	if issue.GetRepository() != nil {
		info.Repository = issue.GetRepository().GetFullName()
	}
	if issue.GetAssignee() != nil {
		info.Assignee = issue.GetAssignee().GetLogin()
	}
	info.Labels = make([]string, len(issue.Labels))
	for i, label := range issue.Labels {
		info.Labels[i] = label.GetName()
	}
	return info
}

// FetchPR fetches pull request metadata.
func (c *Client) FetchPR(ctx context.Context, repo Repo, number int) (*PRInfo, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return nil, wrapError("fetch pull request", err)
	}
	return convertFromGitHubPR(pr), nil
}

func convertFromGitHubPR(pr *github.PullRequest) *PRInfo {
	info := &PRInfo{
		Number:      pr.GetNumber(),
		Title:       pr.GetTitle(),
		Body:        pr.GetBody(),
		State:       pr.GetState(),
		URL:         pr.GetHTMLURL(),
		Merged:      pr.GetMerged(),
		CreatedAt:   pr.GetCreatedAt().Time,
		UpdatedAt:   pr.GetUpdatedAt().Time,
		MergeCommit: pr.GetMergeCommitSHA(),
	}
	if base := pr.GetBase(); base != nil {
		info.BaseRef = base.GetRef()
		info.BaseSHA = base.GetSHA()
		if base.GetRepo() != nil {
			info.Repository = base.GetRepo().GetFullName()
		}
	}
	if head := pr.GetHead(); head != nil {
		info.HeadRef = head.GetRef()
		info.HeadSHA = head.GetSHA()
	}
	if user := pr.GetUser(); user != nil {
		info.Author = user.GetLogin()
	}
	return info
}

// FetchIssueComments lists every comment on an issue or PR conversation.
func (c *Client) FetchIssueComments(ctx context.Context, repo Repo, number int) ([]IssueComment, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var all []IssueComment
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, repo.Owner, repo.Name, number, opts)
		if err != nil {
			return nil, wrapError("list issue comments", err)
		}
		for _, comment := range comments {
			all = append(all, convertFromGitHubIssueComment(comment))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func convertFromGitHubIssueComment(comment *github.IssueComment) IssueComment {
	out := IssueComment{
		CommentID: comment.GetID(),
		URL:       comment.GetHTMLURL(),
		Body:      comment.GetBody(),
		CreatedAt: comment.GetCreatedAt().Time,
		UpdatedAt: comment.GetUpdatedAt().Time,
	}
	if user := comment.GetUser(); user != nil {
		out.Author = user.GetLogin()
	}
	return out
}

// CreateIssueComment posts a comment and returns its id.
func (c *Client) CreateIssueComment(ctx context.Context, repo Repo, number int, body string) (int64, error) {
	comment, _, err := c.gh.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return 0, wrapError("create issue comment", err)
	}
	return comment.GetID(), nil
}

// EditIssueComment replaces the body of an existing comment.
func (c *Client) EditIssueComment(ctx context.Context, repo Repo, commentID int64, body string) error {
	_, _, err := c.gh.Issues.EditComment(ctx, repo.Owner, repo.Name, commentID, &github.IssueComment{
		Body: github.String(body),
	})
	return wrapError("edit issue comment", err)
}

// CreatePullRequest opens a pull request.
func (c *Client) CreatePullRequest(ctx context.Context, repo Repo, newPR *NewPullRequest) (*PRInfo, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, repo.Owner, repo.Name, &github.NewPullRequest{
		Title: github.String(newPR.Title),
		Body:  github.String(newPR.Body),
		Head:  github.String(newPR.Head),
		Base:  github.String(newPR.Base),
		Draft: github.Bool(newPR.Draft),
	})
	if err != nil {
		return nil, wrapError("create pull request", err)
	}
	return convertFromGitHubPR(pr), nil
}

// FindPullRequestByHead returns the open pull request whose head is branch,
// or nil when there is none.
func (c *Client) FindPullRequestByHead(ctx context.Context, repo Repo, branch string) (*PRInfo, error) {
	head := branch
	if !strings.Contains(head, ":") {
		head = repo.Owner + ":" + branch
	}
	prs, _, err := c.gh.PullRequests.List(ctx, repo.Owner, repo.Name, &github.PullRequestListOptions{
		State:       "open",
		Head:        head,
		ListOptions: github.ListOptions{PerPage: 10},
	})
	if err != nil {
		return nil, wrapError("list pull requests", err)
	}
	for _, pr := range prs {
		if pr.GetHead().GetRef() == branch || strings.HasSuffix(head, ":"+pr.GetHead().GetRef()) {
			return convertFromGitHubPR(pr), nil
		}
	}
	return nil, nil
}
