package toncenter

import (
	"context"
	"math/big"
	"net/url"

	"github.com/toncenter/ton-wallet-engine/engine/units"
)

// JettonWallet is one row of /api/v3/jetton/wallets.
type JettonWallet struct {
	Address string
	Balance *big.Int
	Owner   string
	Jetton  string
}

// GetJettonWallet resolves the jetton wallet of an owner for a jetton
// master. A nil result means the wallet is not deployed.
func (c *Client) GetJettonWallet(ctx context.Context, ownerAddr, jettonAddr string) (*JettonWallet, error) {
	var resp struct {
		JettonWallets []struct {
			Address string `json:"address"`
			Balance string `json:"balance"`
			Owner   string `json:"owner"`
			Jetton  string `json:"jetton"`
		} `json:"jetton_wallets"`
	}
	query := url.Values{
		"owner_address":  {ownerAddr},
		"jetton_address": {jettonAddr},
		"limit":          {"1"},
	}
	if err := c.get(ctx, "/api/v3/jetton/wallets", query, &resp); err != nil {
		return nil, err
	}
	if len(resp.JettonWallets) == 0 {
		return nil, nil
	}
	row := resp.JettonWallets[0]
	balance, err := units.FromString(row.Balance)
	if err != nil {
		return nil, err
	}
	return &JettonWallet{
		Address: row.Address,
		Balance: balance,
		Owner:   row.Owner,
		Jetton:  row.Jetton,
	}, nil
}
