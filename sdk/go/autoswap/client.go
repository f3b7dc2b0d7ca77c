package autoswap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AutoSwap REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// MintCredentialRequest carries the material needed to mint a session
// credential. The private key travels only in the request body and the server
// never echoes it back.
type MintCredentialRequest struct {
	Owner         string   `json:"owner"`
	Delegator     string   `json:"delegator"`
	PrivateKey    string   `json:"private_key"`
	PublicAddress string   `json:"public_address,omitempty"`
	ValidUntil    int64    `json:"valid_until"`
	Actions       []string `json:"actions"`
}

// Credential is the public view of a minted session credential. It never
// carries key material.
type Credential struct {
	ID            string   `json:"id"`
	Owner         string   `json:"owner"`
	Delegator     string   `json:"delegator"`
	PublicAddress string   `json:"public_address"`
	ValidUntil    int64    `json:"valid_until"`
	Actions       []string `json:"actions"`
	CreatedAt     int64    `json:"created_at"`
}

// CreateRuleRequest carries the parameters of a new automation rule. Exactly
// one of Amount and Percent must be set.
type CreateRuleRequest struct {
	Owner        string  `json:"owner"`
	CredentialID string  `json:"credential_id"`
	FromToken    string  `json:"from_token"`
	ToToken      string  `json:"to_token"`
	FromChain    string  `json:"from_chain,omitempty"`
	ToChain      string  `json:"to_chain,omitempty"`
	Amount       string  `json:"amount,omitempty"`
	Percent      float64 `json:"percent,omitempty"`
	Frequency    string  `json:"frequency"`
	// NextExecution optionally pins the first run (unix seconds). Zero lets
	// the server anchor it one full period after creation.
	NextExecution int64 `json:"next_execution,omitempty"`
}

// Rule is a stored automation rule.
type Rule struct {
	ID            string  `json:"id"`
	Owner         string  `json:"owner"`
	CredentialID  string  `json:"credential_id"`
	FromToken     string  `json:"from_token"`
	ToToken       string  `json:"to_token"`
	FromChain     string  `json:"from_chain"`
	ToChain       string  `json:"to_chain"`
	Amount        string  `json:"amount"`
	Percent       float64 `json:"percent"`
	Frequency     string  `json:"frequency"`
	NextExecution int64   `json:"next_execution"`
	Active        bool    `json:"active"`
	Version       int64   `json:"version"`
	FailureStreak int64   `json:"failure_streak"`
	LastFailureAt int64   `json:"last_failure_at"`
	CreatedAt     int64   `json:"created_at"`
}

// RuleView is a rule together with the public view of its credential.
type RuleView struct {
	Rule
	Credential *Credential `json:"credential,omitempty"`
}

// ExecutionRecord is one entry of the append-only execution ledger.
type ExecutionRecord struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	RuleID       string `json:"rule_id"`
	Status       string `json:"status"`
	TxHash       string `json:"tx_hash,omitempty"`
	DestTxHash   string `json:"dest_tx_hash,omitempty"`
	BridgeTxHash string `json:"bridge_tx_hash,omitempty"`
	Detail       string `json:"detail,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// LedgerStats aggregates ledger entries by status for one owner.
type LedgerStats struct {
	Total    int64 `json:"total"`
	Pending  int64 `json:"pending"`
	Bridging int64 `json:"bridging"`
	Success  int64 `json:"success"`
	Failed   int64 `json:"failed"`
}

// DelegationInfo reports the delegation state of a wallet relative to the
// configured delegator contract.
type DelegationInfo struct {
	Wallet       string `json:"wallet"`
	Target       string `json:"target"`
	Status       string `json:"status"`
	Delegate     string `json:"delegate,omitempty"`
	WalletNonce  uint64 `json:"wallet_nonce"`
	SessionID    string `json:"session_id,omitempty"`
	SessionNonce uint64 `json:"session_nonce,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode    int
	Message       string            `json:"error"`
	Code          string            `json:"code"`
	Details       map[string]string `json:"details,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("autoswap api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("autoswap api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AutoSwap API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// MintCredential encrypts and stores a session key server side and returns its
// public view.
func (c *Client) MintCredential(ctx context.Context, req MintCredentialRequest) (Credential, error) {
	var view Credential
	if err := c.post(ctx, "/api/v1/session-credentials", req, &view); err != nil {
		return Credential{}, err
	}
	return view, nil
}

// ListCredentials returns the public views of an owner's credentials.
func (c *Client) ListCredentials(ctx context.Context, owner string) ([]Credential, error) {
	endpoint := "/api/v1/session-credentials?owner=" + url.QueryEscape(owner)
	var views []Credential
	if err := c.get(ctx, endpoint, &views); err != nil {
		return nil, err
	}
	return views, nil
}

// CreateRule registers a recurring swap rule.
func (c *Client) CreateRule(ctx context.Context, req CreateRuleRequest) (Rule, error) {
	var rule Rule
	if err := c.post(ctx, "/api/v1/automation-rules", req, &rule); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// ListRules returns an owner's rules with their credential views attached.
// When activeOnly is true, deactivated rules are filtered out.
func (c *Client) ListRules(ctx context.Context, owner string, activeOnly bool) ([]RuleView, error) {
	endpoint := "/api/v1/automation-rules?owner=" + url.QueryEscape(owner)
	if activeOnly {
		endpoint += "&active=true"
	}
	var views []RuleView
	if err := c.get(ctx, endpoint, &views); err != nil {
		return nil, err
	}
	return views, nil
}

// DeactivateRule turns a rule off. Deactivation is idempotent.
func (c *Client) DeactivateRule(ctx context.Context, ruleID, owner string) error {
	endpoint := fmt.Sprintf("/api/v1/automation-rules/%s?owner=%s",
		url.PathEscape(ruleID), url.QueryEscape(owner))
	req, err := c.newRequest(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// TriggerExecution runs a rule immediately, bypassing its schedule.
func (c *Client) TriggerExecution(ctx context.Context, ruleID string) error {
	payload := struct {
		RuleID string `json:"rule_id"`
	}{RuleID: ruleID}
	return c.post(ctx, "/api/v1/trigger-execution", payload, nil)
}

// ListLedger returns an owner's execution records, newest first.
func (c *Client) ListLedger(ctx context.Context, owner string) ([]ExecutionRecord, error) {
	endpoint := "/api/v1/execution-ledger?owner=" + url.QueryEscape(owner)
	var records []ExecutionRecord
	if err := c.get(ctx, endpoint, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// LedgerStats returns per-status counts of an owner's execution records.
func (c *Client) LedgerStats(ctx context.Context, owner string) (LedgerStats, error) {
	endpoint := "/api/v1/execution-ledger/stats?owner=" + url.QueryEscape(owner)
	var stats LedgerStats
	if err := c.get(ctx, endpoint, &stats); err != nil {
		return LedgerStats{}, err
	}
	return stats, nil
}

// DelegationStatus checks whether a wallet currently delegates to the
// configured contract on the given chain. An empty chain selects the default.
func (c *Client) DelegationStatus(ctx context.Context, wallet, chain string) (DelegationInfo, error) {
	endpoint := "/api/v1/delegation-status?wallet=" + url.QueryEscape(wallet)
	if chain != "" {
		endpoint += "&chain=" + url.QueryEscape(chain)
	}
	var info DelegationInfo
	if err := c.get(ctx, endpoint, &info); err != nil {
		return DelegationInfo{}, err
	}
	return info, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
