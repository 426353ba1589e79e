package web3

import (
	"fmt"
	"sort"
	"strings"
)

// Canonical chain identifiers.
const (
	ChainSolana    = "solana"
	ChainEthereum  = "ethereum"
	ChainBase      = "base"
	ChainPolygon   = "polygon"
	ChainArbitrum  = "arbitrum"
	ChainOptimism  = "optimism"
	ChainAvalanche = "avalanche"
	ChainBSC       = "bsc"
)

// Chain types.
const (
	TypeSolana = "solana"
	TypeEVM    = "evm"
)

// NativeTokenAddress is the placeholder aggregators use for a chain's native
// asset, on EVM chains and Solana alike.
const NativeTokenAddress = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"

// Well-known Solana mints.
const (
	MintWSOL = "So11111111111111111111111111111111111111112"
	MintUSDC = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	MintUSDT = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

// Token is an asset known by symbol on one chain.
type Token struct {
	Symbol   string
	Address  string
	Decimals uint8
	Native   bool
}

// ChainInfo is the resolved definition of one chain.
type ChainInfo struct {
	Name           string
	Type           string
	ID             int64
	NativeSymbol   string
	NativeDecimals uint8
	RPCURLs        []string
	tokens         map[string]Token
}

// Native returns the chain's native asset.
func (c ChainInfo) Native() Token {
	return Token{Symbol: c.NativeSymbol, Address: NativeTokenAddress, Decimals: c.NativeDecimals, Native: true}
}

// Registry resolves chain aliases and token symbols.
type Registry struct {
	chains  map[string]*ChainInfo
	aliases map[string]string
}

// NewRegistry starts from the built-in chain table and applies defs on top,
// so a YAML file only needs to list what it adds or overrides.
func NewRegistry(defs ChainDefinitions) (*Registry, error) {
	r := &Registry{chains: map[string]*ChainInfo{}, aliases: map[string]string{}}
	for name, def := range builtinChains() {
		if err := r.apply(name, def); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(defs.Chains))
	for name := range defs.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.apply(name, defs.Chains[name]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns the built-in chain table.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(ChainDefinitions{})
	if err != nil {
		panic(err)
	}
	return r
}

// LoadRegistry reads chain definitions from path and merges them with the
// built-in table.
func LoadRegistry(path string) (*Registry, error) {
	defs, err := LoadChainDefinitions(path)
	if err != nil {
		return nil, err
	}
	return NewRegistry(defs)
}

func (r *Registry) apply(name string, def ChainDefinition) error {
	key := normalizeKey(name)
	if key == "" {
		return fmt.Errorf("链名称不能为空")
	}
	info, ok := r.chains[key]
	if !ok {
		info = &ChainInfo{Name: key, Type: TypeEVM, NativeDecimals: 18, tokens: map[string]Token{}}
		r.chains[key] = info
	}
	if t := strings.ToLower(strings.TrimSpace(def.Type)); t != "" {
		if t != TypeEVM && t != TypeSolana {
			return fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		info.Type = t
	}
	if def.ChainID != 0 {
		info.ID = def.ChainID
	}
	if def.NativeSymbol != "" {
		info.NativeSymbol = strings.ToUpper(def.NativeSymbol)
	}
	if def.NativeDecimals != 0 {
		info.NativeDecimals = def.NativeDecimals
	}
	info.RPCURLs = append(info.RPCURLs, def.RPCURLs...)
	for _, tok := range def.Tokens {
		symbol := strings.ToUpper(strings.TrimSpace(tok.Symbol))
		if symbol == "" || strings.TrimSpace(tok.Address) == "" {
			return fmt.Errorf("链 %s 的代币定义缺少 symbol 或 address", name)
		}
		info.tokens[symbol] = Token{Symbol: symbol, Address: strings.TrimSpace(tok.Address), Decimals: tok.Decimals}
	}

	r.aliases[key] = key
	for _, alias := range def.Aliases {
		if a := normalizeKey(alias); a != "" {
			r.aliases[a] = key
		}
	}
	return nil
}

// Normalize maps a case-insensitive chain alias to its canonical name.
func (r *Registry) Normalize(raw string) (string, bool) {
	name, ok := r.aliases[normalizeKey(raw)]
	return name, ok
}

// Chain returns the definition of a canonical or aliased chain name.
func (r *Registry) Chain(raw string) (ChainInfo, bool) {
	name, ok := r.Normalize(raw)
	if !ok {
		return ChainInfo{}, false
	}
	return *r.chains[name], true
}

// Token looks up a token by symbol on chain. The chain's native symbol
// resolves to the native asset.
func (r *Registry) Token(chain, symbol string) (Token, bool) {
	info, ok := r.Chain(chain)
	if !ok {
		return Token{}, false
	}
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" || sym == info.NativeSymbol {
		return info.Native(), true
	}
	tok, ok := info.tokens[sym]
	return tok, ok
}

// Names returns the canonical chain names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeKey(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}

func builtinChains() map[string]ChainDefinition {
	return map[string]ChainDefinition{
		ChainSolana: {
			Type: TypeSolana, ChainID: 89999, Aliases: []string{"sol"},
			NativeSymbol: "SOL", NativeDecimals: 9,
			Tokens: []TokenDefinition{
				{Symbol: "USDC", Address: MintUSDC, Decimals: 6},
				{Symbol: "USDT", Address: MintUSDT, Decimals: 6},
				{Symbol: "WSOL", Address: MintWSOL, Decimals: 9},
				{Symbol: "BONK", Address: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", Decimals: 5},
				{Symbol: "JUP", Address: "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN", Decimals: 6},
			},
		},
		ChainEthereum: {
			Type: TypeEVM, ChainID: 1, Aliases: []string{"eth", "mainnet"},
			NativeSymbol: "ETH", NativeDecimals: 18,
			Tokens: []TokenDefinition{
				{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
				{Symbol: "USDT", Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
			},
		},
		ChainBase: {
			Type: TypeEVM, ChainID: 8453,
			NativeSymbol: "ETH", NativeDecimals: 18,
			Tokens: []TokenDefinition{
				{Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
			},
		},
		ChainPolygon: {
			Type: TypeEVM, ChainID: 137, Aliases: []string{"matic", "pol"},
			NativeSymbol: "MATIC", NativeDecimals: 18,
			Tokens: []TokenDefinition{
				{Symbol: "USDC", Address: "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", Decimals: 6},
				{Symbol: "USDT", Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Decimals: 6},
			},
		},
		ChainArbitrum: {
			Type: TypeEVM, ChainID: 42161, Aliases: []string{"arb"},
			NativeSymbol: "ETH", NativeDecimals: 18,
			Tokens: []TokenDefinition{
				{Symbol: "USDC", Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6},
			},
		},
		ChainOptimism: {
			Type: TypeEVM, ChainID: 10, Aliases: []string{"op"},
			NativeSymbol: "ETH", NativeDecimals: 18,
		},
		ChainAvalanche: {
			Type: TypeEVM, ChainID: 43114, Aliases: []string{"avax"},
			NativeSymbol: "AVAX", NativeDecimals: 18,
		},
		ChainBSC: {
			Type: TypeEVM, ChainID: 56, Aliases: []string{"bnb", "binance", "binance smart chain", "bnb chain"},
			NativeSymbol: "BNB", NativeDecimals: 18,
			Tokens: []TokenDefinition{
				{Symbol: "USDC", Address: "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", Decimals: 18},
				{Symbol: "USDT", Address: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
			},
		},
	}
}
