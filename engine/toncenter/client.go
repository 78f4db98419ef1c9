// Package toncenter is the HTTP client for the indexer RPC: traces, wallet
// states, message submission and the legacy fee estimator.
package toncenter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/toncenter/ton-wallet-engine/engine/models"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	BaseURL string
	APIKey  string

	http *http.Client
	log  *logrus.Logger
}

func NewClient(baseURL, apiKey string, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		http:    &http.Client{Timeout: defaultTimeout},
		log:     log,
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		message := string(data)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			message = apiErr.Error
		}
		return &ServerError{StatusCode: resp.StatusCode, Message: message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// FetchTrace loads the trace for a normalized external message hash. A nil
// trace means the indexer has not seen it yet.
func (c *Client) FetchTrace(
	ctx context.Context,
	msgHashNorm string,
	isPending bool,
) (*models.Trace, models.AddressBook, error) {
	path := "/api/v3/traces"
	query := url.Values{"msg_hash": {msgHashNorm}, "include_actions": {"true"}}
	if isPending {
		path = "/api/v3/pendingTraces"
		query = url.Values{"ext_msg_hash": {msgHashNorm}}
	}

	var resp models.TracesResponse
	if err := c.get(ctx, path, query, &resp); err != nil {
		return nil, nil, err
	}
	if len(resp.Traces) == 0 {
		return nil, nil, nil
	}
	return resp.Traces[0], resp.AddressBook, nil
}

// GetWalletState loads the wallet snapshot: balance, seqno, status, version.
func (c *Client) GetWalletState(ctx context.Context, addr string) (*models.WalletState, error) {
	var resp struct {
		Wallets []*models.WalletState `json:"wallets"`
	}
	query := url.Values{"address": {addr}}
	if err := c.get(ctx, "/api/v3/walletStates", query, &resp); err != nil {
		return nil, err
	}
	if len(resp.Wallets) == 0 {
		return nil, &ServerError{StatusCode: http.StatusNotFound, Message: "wallet state not found"}
	}
	return resp.Wallets[0], nil
}

// GetAddressInfo loads the account status and whether the code is a known
// wallet.
func (c *Client) GetAddressInfo(ctx context.Context, addr string) (*models.WalletState, error) {
	return c.GetWalletState(ctx, addr)
}

// HasTransactions reports whether the address has at least one transaction.
func (c *Client) HasTransactions(ctx context.Context, addr string) (bool, error) {
	var resp struct {
		Transactions []json.RawMessage `json:"transactions"`
	}
	query := url.Values{"account": {addr}, "limit": {"1"}}
	if err := c.get(ctx, "/api/v3/transactions", query, &resp); err != nil {
		return false, err
	}
	return len(resp.Transactions) > 0, nil
}

// SendBoc broadcasts a serialized external message.
func (c *Client) SendBoc(ctx context.Context, bocB64 string) error {
	body := map[string]string{"boc": bocB64}
	return c.post(ctx, "/api/v3/message", body, nil)
}

// SourceFees is the legacy estimator breakdown.
type SourceFees struct {
	InFwdFee   int64 `json:"in_fwd_fee"`
	StorageFee int64 `json:"storage_fee"`
	GasFee     int64 `json:"gas_fee"`
	FwdFee     int64 `json:"fwd_fee"`
}

func (f *SourceFees) Total() int64 {
	return f.InFwdFee + f.StorageFee + f.GasFee + f.FwdFee
}

// EstimateExternalMessageFee runs the legacy v2 fee estimator. The body is
// the signed external message; init code and data are passed for
// uninitialized wallets.
func (c *Client) EstimateExternalMessageFee(
	ctx context.Context,
	addr string,
	bodyB64, initCodeB64, initDataB64 string,
	ignoreChksig bool,
) (*SourceFees, error) {
	body := map[string]any{
		"address":       addr,
		"body":          bodyB64,
		"init_code":     initCodeB64,
		"init_data":     initDataB64,
		"ignore_chksig": ignoreChksig,
	}
	var resp struct {
		SourceFees SourceFees `json:"source_fees"`
	}
	if err := c.post(ctx, "/api/v2/estimateFee", body, &resp); err != nil {
		return nil, err
	}
	return &resp.SourceFees, nil
}
