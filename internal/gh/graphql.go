package gh

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

const reviewThreadsQuery = `query($owner: String!, $name: String!, $number: Int!, $cursor: String) {
  repository(owner: $owner, name: $name) {
    pullRequest(number: $number) {
      reviewThreads(first: 50, after: $cursor) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          isResolved
          path
          comments(first: 100) {
            nodes {
              author { login }
              body
              url
            }
          }
        }
      }
    }
  }
}`

const resolveThreadMutation = `mutation($id: ID!) {
  resolveReviewThread(input: {threadId: $id}) {
    thread { id isResolved }
  }
}`

type threadsResponse struct {
	Data struct {
		Repository struct {
			PullRequest struct {
				ReviewThreads struct {
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
					Nodes []struct {
						ID         string `json:"id"`
						IsResolved bool   `json:"isResolved"`
						Path       string `json:"path"`
						Comments   struct {
							Nodes []struct {
								Author struct {
									Login string `json:"login"`
								} `json:"author"`
								Body string `json:"body"`
								URL  string `json:"url"`
							} `json:"nodes"`
						} `json:"comments"`
					} `json:"nodes"`
				} `json:"reviewThreads"`
			} `json:"pullRequest"`
		} `json:"repository"`
	} `json:"data"`
}

// ReviewThreads fetches every review thread on the pull request, following
// pagination.
func (c *Client) ReviewThreads(ctx context.Context, owner, repo string, number int) ([]ReviewThread, error) {
	var all []ReviewThread
	cursor := ""
	for {
		args := []string{"api", "graphql",
			"-f", "query=" + reviewThreadsQuery,
			"-f", "owner=" + owner,
			"-f", "name=" + repo,
			"-F", "number=" + strconv.Itoa(number),
		}
		if cursor != "" {
			args = append(args, "-f", "cursor="+cursor)
		}

		out, err := c.runner.Run(ctx, "gh", args...)
		if err != nil {
			return nil, fmt.Errorf("fetching review threads: %w", classifyErr(err))
		}

		var resp threadsResponse
		if err := json.Unmarshal([]byte(out), &resp); err != nil {
			return nil, fmt.Errorf("decoding review threads: %w", err)
		}

		threads := resp.Data.Repository.PullRequest.ReviewThreads
		for _, n := range threads.Nodes {
			t := ReviewThread{ID: n.ID, IsResolved: n.IsResolved, Path: n.Path}
			for _, cm := range n.Comments.Nodes {
				t.Comments = append(t.Comments, ThreadComment{
					Author: cm.Author.Login,
					Body:   cm.Body,
					URL:    cm.URL,
				})
			}
			all = append(all, t)
		}

		if !threads.PageInfo.HasNextPage {
			return all, nil
		}
		cursor = threads.PageInfo.EndCursor
	}
}

// ResolveThread marks a review thread resolved.
func (c *Client) ResolveThread(ctx context.Context, threadID string) error {
	_, err := c.runner.Run(ctx, "gh", "api", "graphql",
		"-f", "query="+resolveThreadMutation,
		"-f", "id="+threadID)
	if err != nil {
		return fmt.Errorf("resolving thread %s: %w", threadID, err)
	}
	return nil
}
