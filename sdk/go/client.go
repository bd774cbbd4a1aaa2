package openworksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal OpenWork hub API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Milestone is one payment step of a job. Amounts are micro-units.
type Milestone struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	State       string `json:"state"`
}

// Job represents the hub's job record (partial).
type Job struct {
	ID                string      `json:"id"`
	OriginDomain      uint32      `json:"origin_domain"`
	GiverID           string      `json:"giver_id"`
	Status            string      `json:"status"`
	CurrentMilestone  int         `json:"current_milestone"`
	Milestones        []Milestone `json:"milestones"`
	SelectedApplicant string      `json:"selected_applicant,omitempty"`
	ApplicantDomain   uint32      `json:"applicant_domain,omitempty"`
	DisputeCount      int         `json:"dispute_count"`
	Halted            bool        `json:"halted"`
}

type Application struct {
	ID              int    `json:"id"`
	JobID           string `json:"job_id"`
	ApplicantID     string `json:"applicant_id"`
	PreferredDomain uint32 `json:"preferred_domain"`
}

type Escrow struct {
	JobID      string `json:"job_id"`
	Locked     int64  `json:"locked"`
	Released   int64  `json:"released"`
	Commission int64  `json:"commission"`
	Refunded   int64  `json:"refunded"`
}

type Vote struct {
	DisputeID      string `json:"dispute_id"`
	VoterID        string `json:"voter_id"`
	InFavorOfGiver bool   `json:"in_favor_of_giver"`
	VotingPower    int64  `json:"voting_power"`
	ClaimAddress   string `json:"claim_address"`
	FeeShare       int64  `json:"fee_share"`
}

type Dispute struct {
	ID             string `json:"id"`
	JobID          string `json:"job_id"`
	RaiserID       string `json:"raiser_id"`
	Fee            int64  `json:"fee"`
	DisputedAmount int64  `json:"disputed_amount"`
	VotingEndsAt   string `json:"voting_ends_at"`
	Votes          []Vote `json:"votes"`
	Resolved       bool   `json:"resolved"`
	Outcome        string `json:"outcome,omitempty"`
}

type RewardAccount struct {
	UserID            string `json:"user_id"`
	Earned            int64  `json:"earned"`
	Unlocked          int64  `json:"unlocked"`
	Claimed           int64  `json:"claimed"`
	Claimable         int64  `json:"claimable"`
	Locked            int64  `json:"locked"`
	GovernanceActions int64  `json:"governance_actions"`
	Referrer          string `json:"referrer,omitempty"`
}

type Stake struct {
	UserID     string `json:"user_id"`
	Amount     int64  `json:"amount"`
	Duration   string `json:"duration"`
	Multiplier int64  `json:"multiplier"`
	Delegatee  string `json:"delegatee,omitempty"`
}

type Transfer struct {
	ID           string `json:"id"`
	JobID        string `json:"job_id,omitempty"`
	Kind         string `json:"kind"`
	Amount       int64  `json:"amount"`
	TargetDomain uint32 `json:"target_domain"`
	Recipient    string `json:"recipient"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"last_error,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health returns nil when the hub answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "v0/jobs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListApplications(ctx context.Context, jobID string) ([]Application, error) {
	var resp []Application
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/jobs/%s/applications", url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

func (c *Client) GetEscrow(ctx context.Context, jobID string) (Escrow, error) {
	var resp Escrow
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/jobs/%s/escrow", url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

// GetDispute fetches a dispute by its "<job>/d<n>" id.
func (c *Client) GetDispute(ctx context.Context, id string) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodGet, disputePath(id, ""), nil, &resp)
	return resp, err
}

// Vote casts the token holder's vote on a dispute.
func (c *Client) Vote(ctx context.Context, disputeID string, inFavorOfGiver bool, claimAddress string) (Vote, error) {
	body := map[string]any{
		"in_favor_of_giver": inFavorOfGiver,
		"claim_address":     claimAddress,
	}
	var resp Vote
	err := c.do(ctx, http.MethodPost, disputePath(disputeID, "votes"), body, &resp)
	return resp, err
}

// Settle requires an operator token.
func (c *Client) Settle(ctx context.Context, disputeID string) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodPost, disputePath(disputeID, "settle"), nil, &resp)
	return resp, err
}

func (c *Client) RewardAccount(ctx context.Context, userID string) (RewardAccount, error) {
	var resp RewardAccount
	err := c.do(ctx, http.MethodGet, "v0/rewards/"+url.PathEscape(userID), nil, &resp)
	return resp, err
}

func (c *Client) GetStake(ctx context.Context, userID string) (Stake, error) {
	var resp Stake
	err := c.do(ctx, http.MethodGet, "v0/stakes/"+url.PathEscape(userID), nil, &resp)
	return resp, err
}

// Treasury returns the hub treasury in micro-units.
func (c *Client) Treasury(ctx context.Context) (int64, error) {
	var resp struct {
		Balance struct {
			Micro int64 `json:"micro"`
		} `json:"balance"`
	}
	err := c.do(ctx, http.MethodGet, "v0/treasury", nil, &resp)
	return resp.Balance.Micro, err
}

func (c *Client) PendingTransfers(ctx context.Context) ([]Transfer, error) {
	var resp []Transfer
	err := c.do(ctx, http.MethodGet, "v0/transfers/pending", nil, &resp)
	return resp, err
}

// RetryTransfer requires an operator token.
func (c *Client) RetryTransfer(ctx context.Context, id string) (Transfer, error) {
	var resp Transfer
	err := c.do(ctx, http.MethodPost, "v0/transfers/retry", map[string]any{"transfer_id": id}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// disputePath keeps the "/" between job id and dispute number as a path
// separator and escapes each part.
func disputePath(id, action string) string {
	job, seq, _ := strings.Cut(id, "/")
	p := fmt.Sprintf("v0/disputes/%s/%s", url.PathEscape(job), url.PathEscape(seq))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
