package models

import "fmt"

// Network selects which toncenter deployment requests go to.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

func ParseNetwork(s string) (Network, error) {
	switch Network(s) {
	case NetworkMainnet, NetworkTestnet:
		return Network(s), nil
	}
	return "", fmt.Errorf("unknown network: %s", s)
}

// AddressBookRow maps a raw address to its user friendly form.
type AddressBookRow struct {
	UserFriendly string  `json:"user_friendly"`
	Domain       *string `json:"domain"`
}

type AddressBook map[string]AddressBookRow

// Friendly resolves a raw address through the book, falling back to the raw
// form when the book has no entry.
func (b AddressBook) Friendly(raw string) string {
	if row, ok := b[raw]; ok && row.UserFriendly != "" {
		return row.UserFriendly
	}
	return raw
}

type EngineError struct {
	Code    int    `json:"-"`
	Message string `json:"error"`
}

func (e EngineError) Error() string {
	return e.Message
}
