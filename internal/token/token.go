// Package token holds the registry of depositable tokens: their decimals,
// addresses, and per-BDV reward rates. The registry ships with the protocol
// defaults and can be extended from a YAML file.
package token

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/atmx/silo-engine/internal/amount"
	"github.com/atmx/silo-engine/internal/model"
)

// Default token symbols.
const (
	Bean        = "BEAN"
	Bean3Crv    = "BEAN3CRV"
	BeanEthWell = "BEANETH"
	UnripeBean  = "URBEAN"
	UnripeLP    = "URBEAN3CRV"
)

// addressRegex matches a 0x-prefixed 20-byte hex address.
var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

var (
	ErrUnknownToken   = errors.New("token: unknown token")
	ErrInvalidAddress = errors.New("token: invalid address")
	ErrInvalidToken   = errors.New("token: invalid token definition")
)

// ParseAddress validates an account or token address and returns it
// lower-cased, which is the form stores key on.
func ParseAddress(addr string) (string, error) {
	if !addressRegex.MatchString(addr) {
		return "", fmt.Errorf("%w: %s (expected 0x followed by 40 hex digits)", ErrInvalidAddress, addr)
	}
	return strings.ToLower(addr), nil
}

// Registry is a concurrency-safe set of tokens addressable by symbol or
// address.
type Registry struct {
	mu        sync.RWMutex
	bySymbol  map[string]model.Token
	byAddress map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bySymbol:  make(map[string]model.Token),
		byAddress: make(map[string]string),
	}
}

// DefaultRegistry returns a registry holding the protocol's whitelisted
// tokens.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range defaults() {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

func defaults() []model.Token {
	stalk := func(n int64) amount.Amount { return amount.FromInt64(n, model.StalkDecimals) }
	seeds := func(human string) amount.Amount {
		a, err := amount.FromHuman(human, model.SeedsDecimals)
		if err != nil {
			panic(err)
		}
		return a
	}
	return []model.Token{
		{Symbol: Bean, Address: "0xBEA0000029AD1c77D3d5D23Ba2D8893dB9d1Efab", Decimals: 6,
			StalkPerBDV: stalk(1), SeedsPerBDV: seeds("3")},
		{Symbol: Bean3Crv, Address: "0xc9C32cd16Bf7eFB85Ff14e0c8603cc90F6F2eE49", Decimals: 18,
			StalkPerBDV: stalk(1), SeedsPerBDV: seeds("3.25")},
		{Symbol: BeanEthWell, Address: "0xBEA0e11282e2bB5893bEcE110cF199501e872bAd", Decimals: 18,
			StalkPerBDV: stalk(1), SeedsPerBDV: seeds("4.5")},
		{Symbol: UnripeBean, Address: "0x1BEA0050E63e05FBb5D8BA2f10cf5800B6224449", Decimals: 6,
			StalkPerBDV: stalk(1), SeedsPerBDV: seeds("0")},
		{Symbol: UnripeLP, Address: "0x1BEA3CcD22F4EBd3d37d731BA31Eeca95713716D", Decimals: 6,
			StalkPerBDV: stalk(1), SeedsPerBDV: seeds("0")},
	}
}

// Register adds or replaces a token.
func (r *Registry) Register(t model.Token) error {
	if t.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidToken)
	}
	addr, err := ParseAddress(t.Address)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidToken, t.Symbol, err)
	}
	symbol := strings.ToUpper(t.Symbol)
	t.Symbol = symbol

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.bySymbol[symbol]; ok {
		delete(r.byAddress, strings.ToLower(old.Address))
	}
	r.bySymbol[symbol] = t
	r.byAddress[addr] = symbol
	return nil
}

// Lookup finds a token by symbol (case-insensitive) or address.
func (r *Registry) Lookup(key string) (model.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.bySymbol[strings.ToUpper(key)]; ok {
		return t, nil
	}
	if sym, ok := r.byAddress[strings.ToLower(key)]; ok {
		return r.bySymbol[sym], nil
	}
	return model.Token{}, fmt.Errorf("%w: %s", ErrUnknownToken, key)
}

// List returns all tokens sorted by symbol.
func (r *Registry) List() []model.Token {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Token, 0, len(r.bySymbol))
	for _, t := range r.bySymbol {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// fileToken is the YAML form of a token. Rates are human-readable decimals.
type fileToken struct {
	Symbol      string `yaml:"symbol"`
	Address     string `yaml:"address"`
	Decimals    uint8  `yaml:"decimals"`
	StalkPerBDV string `yaml:"stalk_per_bdv"`
	SeedsPerBDV string `yaml:"seeds_per_bdv"`
}

type file struct {
	Tokens []fileToken `yaml:"tokens"`
}

// Load parses a YAML token list and registers every entry.
//
//	tokens:
//	  - symbol: BEAN
//	    address: 0xBEA0000029AD1c77D3d5D23Ba2D8893dB9d1Efab
//	    decimals: 6
//	    stalk_per_bdv: "1"
//	    seeds_per_bdv: "3"
func (r *Registry) Load(data []byte) error {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	for _, ft := range f.Tokens {
		t, err := ft.toModel()
		if err != nil {
			return err
		}
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile reads path and merges its tokens into the registry.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	return r.Load(data)
}

func (ft fileToken) toModel() (model.Token, error) {
	rate := func(s string, decimals uint8) (amount.Amount, error) {
		if s == "" {
			return amount.Zero(decimals), nil
		}
		a, err := amount.FromHuman(s, decimals)
		if err != nil {
			return amount.Amount{}, fmt.Errorf("%w: %s: %v", ErrInvalidToken, ft.Symbol, err)
		}
		return a, nil
	}
	stalk, err := rate(ft.StalkPerBDV, model.StalkDecimals)
	if err != nil {
		return model.Token{}, err
	}
	seeds, err := rate(ft.SeedsPerBDV, model.SeedsDecimals)
	if err != nil {
		return model.Token{}, err
	}
	return model.Token{
		Symbol:      ft.Symbol,
		Address:     ft.Address,
		Decimals:    ft.Decimals,
		StalkPerBDV: stalk,
		SeedsPerBDV: seeds,
	}, nil
}
