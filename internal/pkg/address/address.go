// Package address checks payout destinations before a withdrawal request is
// accepted. Only syntax and checksums are verified; nothing is sent on-chain.
package address

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
)

type Network string

const (
	NetworkERC20 Network = "erc20"
	NetworkBEP20 Network = "bep20"
	NetworkTRC20 Network = "trc20"
	NetworkBTC   Network = "btc"
)

// tronVersion is the base58check version byte of TRON mainnet addresses.
const tronVersion = 0x41

var (
	ErrUnsupportedNetwork = errors.New("unsupported network")
	ErrInvalidAddress     = errors.New("invalid destination address")
)

// Networks lists the accepted payout networks.
func Networks() []Network {
	return []Network{NetworkERC20, NetworkBEP20, NetworkTRC20, NetworkBTC}
}

func IsSupported(network string) bool {
	for _, n := range Networks() {
		if string(n) == network {
			return true
		}
	}
	return false
}

// Validate returns the canonical form of addr for network.
func Validate(network Network, addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	switch network {
	case NetworkERC20, NetworkBEP20:
		return validateEVM(addr)
	case NetworkTRC20:
		return validateTron(addr)
	case NetworkBTC:
		return validateBitcoin(addr)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}
}

func validateEVM(addr string) (string, error) {
	if !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: not a 20-byte hex address", ErrInvalidAddress)
	}

	// All-lower or all-upper input carries no checksum; mixed case must match EIP-55.
	body := addr[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		mixed, err := common.NewMixedcaseAddressFromString(addr)
		if err != nil || !mixed.ValidChecksum() {
			return "", fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
		}
	}
	return common.HexToAddress(addr).Hex(), nil
}

func validateTron(addr string) (string, error) {
	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if version != tronVersion || len(payload) != common.AddressLength {
		return "", fmt.Errorf("%w: not a TRON address", ErrInvalidAddress)
	}
	return addr, nil
}

func validateBitcoin(addr string) (string, error) {
	decoded, err := btcutil.DecodeAddress(addr, &chaincfg.MainNetParams)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !decoded.IsForNet(&chaincfg.MainNetParams) {
		return "", fmt.Errorf("%w: not a mainnet address", ErrInvalidAddress)
	}
	return decoded.EncodeAddress(), nil
}
