// Package swarm talks to the Helix Swarm review service.
package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const apiPrefix = "/api/v9"

// Credentials supplies the user and cached ticket used for Basic auth.
// Implementations must not prompt.
type Credentials interface {
	Credential(ctx context.Context) (user, token string, err error)
}

// CredentialsFunc adapts a function to Credentials.
type CredentialsFunc func(ctx context.Context) (string, string, error)

func (f CredentialsFunc) Credential(ctx context.Context) (string, string, error) { return f(ctx) }

type Review struct {
	ID          int    `json:"id"`
	State       string `json:"state"`
	Author      string `json:"author,omitempty"`
	Description string `json:"description,omitempty"`
	Changes     []int  `json:"changes,omitempty"`
	URL         string `json:"url,omitempty"`
}

type Client struct {
	baseURL string
	http    *http.Client
	creds   Credentials
	logger  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, creds Credentials, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		creds:   creds,
		logger:  logger,
	}
}

// Configured reports whether the client has a service URL.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

func (c *Client) reviewURL(id int) string {
	return fmt.Sprintf("%s/reviews/%d", c.baseURL, id)
}

// ReviewsForChanges maps each change to the review that contains it.
// Changes without a review are absent from the result.
func (c *Client) ReviewsForChanges(ctx context.Context, changes []int) (map[int]Review, error) {
	found := make(map[int]Review)
	if len(changes) == 0 {
		return found, nil
	}

	q := url.Values{}
	for _, n := range changes {
		q.Add("change[]", strconv.Itoa(n))
	}
	q.Set("fields", "id,state,author,description,changes")

	var body struct {
		Reviews []Review `json:"reviews"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/reviews?"+q.Encode(), nil, &body); err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}

	wanted := make(map[int]bool, len(changes))
	for _, n := range changes {
		wanted[n] = true
	}
	for _, r := range body.Reviews {
		r.URL = c.reviewURL(r.ID)
		for _, n := range r.Changes {
			if _, dup := found[n]; wanted[n] && !dup {
				found[n] = r
			}
		}
	}
	return found, nil
}

// CreateReview opens a review for change. If the change already has one,
// that review is returned instead of an error.
func (c *Client) CreateReview(ctx context.Context, change int, description string, reviewers []string) (Review, error) {
	form := url.Values{}
	form.Set("change", strconv.Itoa(change))
	if description != "" {
		form.Set("description", description)
	}
	for _, r := range reviewers {
		form.Add("reviewers[]", r)
	}

	var body struct {
		Review Review `json:"review"`
	}
	status, err := c.do(ctx, http.MethodPost, "/reviews", form, &body)
	if status == http.StatusConflict {
		if id := existingReviewID(err); id > 0 {
			c.logger.Info("review already exists", "change", change, "review", id)
			return Review{ID: id, Changes: []int{change}, URL: c.reviewURL(id)}, nil
		}
	}
	if err != nil {
		return Review{}, fmt.Errorf("create review for %d: %w", change, err)
	}

	r := body.Review
	if len(r.Changes) == 0 {
		r.Changes = []int{change}
	}
	r.URL = c.reviewURL(r.ID)
	return r, nil
}

// apiError carries a non-2xx response body.
type apiError struct {
	Status int
	Body   []byte
}

func (e *apiError) Error() string {
	var msg struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(e.Body, &msg) == nil && msg.Error != "" {
		return fmt.Sprintf("status %d: %s", e.Status, msg.Error)
	}
	return fmt.Sprintf("status %d", e.Status)
}

// existingReviewID digs the id of the conflicting review out of a 409 body.
func existingReviewID(err error) int {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return 0
	}
	type withID struct {
		ID int `json:"id"`
	}
	var body struct {
		ID      int    `json:"id"`
		Review  withID `json:"review"`
		Details withID `json:"details"`
	}
	if json.Unmarshal(apiErr.Body, &body) != nil {
		return 0
	}
	switch {
	case body.Review.ID > 0:
		return body.Review.ID
	case body.Details.ID > 0:
		return body.Details.ID
	default:
		return body.ID
	}
}

// do sends one request and decodes a JSON response into out. It returns the
// HTTP status when a response was received.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) (int, error) {
	if !c.Configured() {
		return 0, ErrNotConfigured
	}
	user, token, err := c.creds.Credential(ctx)
	if err != nil || user == "" || token == "" {
		if err == nil {
			err = errors.New("no cached ticket")
		}
		return 0, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(user, token)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	c.logger.Debug("swarm request", "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return 0, fmt.Errorf("%w: %v", ErrNetworkTimeout, err)
		}
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if isTimeout(err) {
			return resp.StatusCode, fmt.Errorf("%w: %v", ErrNetworkTimeout, err)
		}
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, fmt.Errorf("%w: %v", ErrAuthentication, &apiError{Status: resp.StatusCode, Body: data})
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Body: data}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("parse response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
