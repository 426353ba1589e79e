package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain: its aggregator id, aliases,
// optional extra RPC endpoints and the tokens users may name by symbol.
type ChainDefinition struct {
	Type           string            `yaml:"type"`
	ChainID        int64             `yaml:"chain_id"`
	Aliases        []string          `yaml:"aliases"`
	RPCURLs        []string          `yaml:"rpc_urls"`
	NativeSymbol   string            `yaml:"native_symbol"`
	NativeDecimals uint8             `yaml:"native_decimals"`
	Tokens         []TokenDefinition `yaml:"tokens"`
	Description    string            `yaml:"description"`
}

// TokenDefinition binds a symbol to an on-chain address.
type TokenDefinition struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
