package dataservice

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

// Client is the HTTP implementation of DataService against a Rucio-style
// REST endpoint. Wrap it with NewBreaker in production.
type Client struct {
	endpoint string
	account  string
	http     *http.Client
}

// NewClient builds a client for the given endpoint and account.
func NewClient(endpoint, account string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		account:  account,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) Account() string { return c.account }

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &ServiceError{Op: op, Err: err}
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reqBody)
	if err != nil {
		return &ServiceError{Op: op, Err: err}
	}
	req.Header.Set("X-Rucio-Account", c.account)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ServiceError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrCannotAuthenticate)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrRuleNotFound)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w", op, ErrDuplicateRule)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ServiceError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ServiceError{Op: op, Err: err}
	}
	return nil
}

func didPath(scope, name string) string {
	return "/dids/" + url.PathEscape(scope) + "/" + url.PathEscape(name)
}

func (c *Client) GetMetadata(ctx context.Context, scope, name string) (*DIDMeta, error) {
	var body struct {
		Bytes        int64  `json:"bytes"`
		Length       int64  `json:"length"`
		Availability string `json:"availability"`
		Events       int64  `json:"events"`
		IsOpen       bool   `json:"is_open"`
		RunNumber    int64  `json:"run_number"`
		DIDType      string `json:"did_type"`
	}
	if err := c.do(ctx, "get_metadata", http.MethodGet, didPath(scope, name)+"/meta", nil, &body); err != nil {
		return nil, err
	}
	return &DIDMeta{
		Bytes:        body.Bytes,
		Length:       body.Length,
		Availability: body.Availability,
		Events:       body.Events,
		IsOpen:       body.IsOpen,
		RunNumber:    body.RunNumber,
		DIDType:      body.DIDType,
	}, nil
}

func (c *Client) ListFiles(ctx context.Context, scope, name string) ([]FileInfo, error) {
	var body []struct {
		Scope   string `json:"scope"`
		Name    string `json:"name"`
		Bytes   int64  `json:"bytes"`
		Adler32 string `json:"adler32"`
		Events  int64  `json:"events"`
	}
	if err := c.do(ctx, "list_files", http.MethodGet, didPath(scope, name)+"/files", nil, &body); err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(body))
	for _, f := range body {
		out = append(out, FileInfo{Scope: f.Scope, Name: f.Name, Bytes: f.Bytes, Adler32: f.Adler32, Events: f.Events})
	}
	return out, nil
}

func (c *Client) AddReplicationRule(ctx context.Context, spec RuleSpec) (string, error) {
	req := map[string]any{
		"dids":                      spec.DIDs,
		"copies":                    spec.Copies,
		"rse_expression":            spec.RSEExpression,
		"source_replica_expression": spec.SourceReplicaExpression,
		"locked":                    spec.Locked,
		"grouping":                  spec.Grouping,
		"ask_approval":              spec.AskApproval,
	}
	if spec.Lifetime > 0 {
		req["lifetime"] = spec.Lifetime
	}

	var ids []string
	if err := c.do(ctx, "add_replication_rule", http.MethodPost, "/rules/", req, &ids); err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", &ServiceError{Op: "add_replication_rule", Err: fmt.Errorf("no rule id returned")}
	}
	return ids[0], nil
}

type ruleBody struct {
	ID                    string `json:"id"`
	Account               string `json:"account"`
	RSEExpression         string `json:"rse_expression"`
	State                 string `json:"state"`
	LocksOKCount          int    `json:"locks_ok_cnt"`
	LocksReplicatingCount int    `json:"locks_replicating_cnt"`
	LocksStuckCount       int    `json:"locks_stuck_cnt"`
}

func (b ruleBody) info() RuleInfo {
	return RuleInfo{
		ID:                    b.ID,
		Account:               b.Account,
		RSEExpression:         b.RSEExpression,
		State:                 b.State,
		LocksOKCount:          b.LocksOKCount,
		LocksReplicatingCount: b.LocksReplicatingCount,
		LocksStuckCount:       b.LocksStuckCount,
	}
}

func (c *Client) ListDIDRules(ctx context.Context, scope, name string) ([]RuleInfo, error) {
	var body []ruleBody
	if err := c.do(ctx, "list_did_rules", http.MethodGet, didPath(scope, name)+"/rules", nil, &body); err != nil {
		return nil, err
	}
	out := make([]RuleInfo, 0, len(body))
	for _, r := range body {
		out = append(out, r.info())
	}
	return out, nil
}

func (c *Client) GetReplicationRule(ctx context.Context, ruleID string) (*RuleInfo, error) {
	var body ruleBody
	if err := c.do(ctx, "get_replication_rule", http.MethodGet, "/rules/"+url.PathEscape(ruleID), nil, &body); err != nil {
		return nil, err
	}
	info := body.info()
	return &info, nil
}

func (c *Client) ListReplicaLocks(ctx context.Context, ruleID string) ([]ReplicaLock, error) {
	var body []struct {
		Scope string `json:"scope"`
		Name  string `json:"name"`
		State string `json:"state"`
	}
	if err := c.do(ctx, "list_replica_locks", http.MethodGet, "/rules/"+url.PathEscape(ruleID)+"/locks", nil, &body); err != nil {
		return nil, err
	}
	out := make([]ReplicaLock, 0, len(body))
	for _, l := range body {
		out = append(out, ReplicaLock{Scope: l.Scope, Name: l.Name, State: l.State})
	}
	return out, nil
}

func (c *Client) DeleteReplicationRule(ctx context.Context, ruleID string) error {
	return c.do(ctx, "delete_replication_rule", http.MethodDelete, "/rules/"+url.PathEscape(ruleID), nil, nil)
}
