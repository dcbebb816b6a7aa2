package address_test

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareflow/shareflow-api/internal/pkg/address"
)

func TestValidateEVM(t *testing.T) {
	got, err := address.Validate(address.NetworkERC20, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", got)

	_, err = address.Validate(address.NetworkBEP20, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	assert.NoError(t, err)

	_, err = address.Validate(address.NetworkERC20, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD")
	assert.ErrorIs(t, err, address.ErrInvalidAddress, "bad checksum")

	_, err = address.Validate(address.NetworkERC20, "5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	assert.ErrorIs(t, err, address.ErrInvalidAddress, "missing 0x prefix")

	_, err = address.Validate(address.NetworkERC20, "0x1234")
	assert.ErrorIs(t, err, address.ErrInvalidAddress)
}

func TestValidateTron(t *testing.T) {
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	tron := base58.CheckEncode(payload, 0x41)

	got, err := address.Validate(address.NetworkTRC20, tron)
	require.NoError(t, err)
	assert.Equal(t, tron, got)

	wrongVersion := base58.CheckEncode(payload, 0x00)
	_, err = address.Validate(address.NetworkTRC20, wrongVersion)
	assert.ErrorIs(t, err, address.ErrInvalidAddress)

	last := "2"
	if tron[len(tron)-1] == '2' {
		last = "3"
	}
	_, err = address.Validate(address.NetworkTRC20, tron[:len(tron)-1]+last)
	assert.ErrorIs(t, err, address.ErrInvalidAddress, "checksum must fail")
}

func TestValidateBitcoin(t *testing.T) {
	for _, addr := range []string{
		"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		"bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq",
	} {
		got, err := address.Validate(address.NetworkBTC, addr)
		require.NoError(t, err, addr)
		assert.Equal(t, addr, got)
	}

	_, err := address.Validate(address.NetworkBTC, "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx")
	assert.ErrorIs(t, err, address.ErrInvalidAddress, "testnet address")
}

func TestValidateRejectsUnknownNetwork(t *testing.T) {
	_, err := address.Validate(address.Network("sol"), "anything")
	assert.ErrorIs(t, err, address.ErrUnsupportedNetwork)
	assert.False(t, address.IsSupported("sol"))
	assert.True(t, address.IsSupported("trc20"))
}

func TestValidateRejectsBlank(t *testing.T) {
	_, err := address.Validate(address.NetworkBTC, "   ")
	assert.ErrorIs(t, err, address.ErrInvalidAddress)
}
