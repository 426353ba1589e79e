package web3

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeEVMAddress validates a 0x-prefixed hex address and returns its
// EIP-55 checksummed form. Mixed-case input must already carry a valid
// checksum.
func NormalizeEVMAddress(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if !common.IsHexAddress(value) || !strings.HasPrefix(strings.ToLower(value), "0x") {
		return "", fmt.Errorf("%q is not a valid EVM address", raw)
	}
	addr := common.HexToAddress(value)
	if addr == (common.Address{}) {
		return "", fmt.Errorf("refusing to use the zero address")
	}
	body := value[2:]
	if strings.ToLower(body) != body && strings.ToUpper(body) != body && addr.Hex() != value {
		return "", fmt.Errorf("%q has an invalid checksum", raw)
	}
	return addr.Hex(), nil
}
