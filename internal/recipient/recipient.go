// Package recipient turns the recipient a user typed into a wallet address.
package recipient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	solana "github.com/gagliardetto/solana-go"

	xerrors "github.com/freemell/merlintg/internal/errors"
	"github.com/freemell/merlintg/pkg/logger"
)

// Source tells how an address was obtained.
type Source string

const (
	SourceAddress Source = "address"
	SourceDomain  Source = "domain"
	SourceHandle  Source = "handle"
)

// Resolved is the outcome of resolving one recipient form.
type Resolved struct {
	Address solana.PublicKey
	Source  Source
	// Display is what the user typed, normalized for messages.
	Display string
	// HandleOwnerID is the chat user owning a resolved handle.
	HandleOwnerID int64
}

// DomainResolver resolves .sol names.
type DomainResolver interface {
	ResolveDomain(ctx context.Context, domain string) (solana.PublicKey, error)
}

// Directory resolves chat handles of users known to the bot.
type Directory interface {
	LookupHandle(ctx context.Context, handle string) (solana.PublicKey, int64, error)
}

// Resolver dispatches on the shape of the recipient.
type Resolver struct {
	domains   DomainResolver
	directory Directory
	logger    *slog.Logger
}

// NewResolver creates a Resolver. Either collaborator may be nil, in which
// case that form is rejected.
func NewResolver(domains DomainResolver, directory Directory) *Resolver {
	return &Resolver{domains: domains, directory: directory, logger: logger.Named("recipient")}
}

// Resolve maps an address, a .sol domain or an @handle to a public key. It
// fails closed: anything that cannot be resolved is NOT_FOUND or
// VALIDATION_FAILED, never a guess.
func (r *Resolver) Resolve(ctx context.Context, form string) (Resolved, error) {
	value := strings.TrimSpace(form)
	switch {
	case value == "":
		return Resolved{}, xerrors.New(xerrors.CodeValidationFailed, "recipient is empty",
			xerrors.WithSuggestion("Send a wallet address, a .sol domain or an @username."))
	case strings.HasPrefix(value, "@"):
		return r.resolveHandle(ctx, value)
	case IsDomain(value):
		return r.resolveDomain(ctx, value)
	}

	addr, err := ParseAddress(value)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{Address: addr, Source: SourceAddress, Display: addr.String()}, nil
}

func (r *Resolver) resolveHandle(ctx context.Context, handle string) (Resolved, error) {
	name := strings.ToLower(strings.TrimPrefix(handle, "@"))
	if name == "" {
		return Resolved{}, xerrors.New(xerrors.CodeValidationFailed, "username is empty")
	}
	if r.directory == nil {
		return Resolved{}, xerrors.New(xerrors.CodeNotFound, "username lookups are not available")
	}
	addr, owner, err := r.directory.LookupHandle(ctx, name)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeNotFound) {
			return Resolved{}, xerrors.Wrap(xerrors.CodeNotFound, err,
				fmt.Sprintf("user @%s doesn't have a wallet yet", name),
				xerrors.WithSuggestion("They need to start the bot and create a wallet first."))
		}
		return Resolved{}, err
	}
	return Resolved{Address: addr, Source: SourceHandle, Display: "@" + name, HandleOwnerID: owner}, nil
}

func (r *Resolver) resolveDomain(ctx context.Context, domain string) (Resolved, error) {
	domain = strings.ToLower(domain)
	if r.domains == nil {
		return Resolved{}, xerrors.New(xerrors.CodeNotFound, "domain resolution is not available")
	}
	addr, err := r.domains.ResolveDomain(ctx, domain)
	if err != nil {
		r.logger.Warn("域名解析失败", slog.String("domain", domain), slog.Any("error", err))
		return Resolved{}, err
	}
	return Resolved{Address: addr, Source: SourceDomain, Display: domain}, nil
}

// IsDomain reports whether value looks like a .sol name.
func IsDomain(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	return strings.HasSuffix(v, ".sol") && len(v) > len(".sol") && !strings.ContainsAny(v, " /@")
}

// ParseAddress validates a base58 ed25519 public key.
func ParseAddress(value string) (solana.PublicKey, error) {
	addr, err := solana.PublicKeyFromBase58(strings.TrimSpace(value))
	if err != nil {
		return solana.PublicKey{}, xerrors.Wrap(xerrors.CodeValidationFailed, err,
			fmt.Sprintf("%q is not a valid Solana address", value),
			xerrors.WithSuggestion("Check the address, or send a .sol domain or @username instead."))
	}
	if addr.IsZero() {
		return solana.PublicKey{}, xerrors.New(xerrors.CodeValidationFailed, "refusing to send to the zero address")
	}
	return addr, nil
}
