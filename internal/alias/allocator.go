// Package alias derives short codes for target URLs and checks them against
// the set of live links.
package alias

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"

	"github.com/Monthlyaway/ttl-link/internal/errx"
	"github.com/Monthlyaway/ttl-link/internal/filter"
)

const (
	// Length of a generated alias
	Length = 8

	MinCustomLength = 3
	MaxCustomLength = 64

	DefaultMaxAttempts = 1000
)

// DefaultReserved are the literals that collide with system routes
var DefaultReserved = []string{"search", "tools", "projects", "shorten", "health"}

// Store is the read-only view of current aliases the allocator needs
type Store interface {
	Exists(ctx context.Context, alias string) (bool, error)
}

// Allocator picks free aliases. It never writes; the caller inserts the link
// and relies on the store's unique index to settle races.
type Allocator struct {
	store       Store
	filter      *filter.AliasFilter
	reserved    map[string]struct{}
	maxAttempts int
	intN        func(n int) int
}

// Config holds optional allocator settings
type Config struct {
	Filter      *filter.AliasFilter // optional; skips the store lookup on a negative test
	Reserved    []string
	MaxAttempts int
	IntN        func(n int) int // sampling source, math/rand by default
}

// NewAllocator creates an allocator over store
func NewAllocator(store Store, cfg Config) *Allocator {
	reservedList := cfg.Reserved
	if len(reservedList) == 0 {
		reservedList = DefaultReserved
	}
	reserved := make(map[string]struct{}, len(reservedList))
	for _, r := range reservedList {
		reserved[strings.ToLower(r)] = struct{}{}
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	intN := cfg.IntN
	if intN == nil {
		intN = rand.Intn
	}

	return &Allocator{
		store:       store,
		filter:      cfg.Filter,
		reserved:    reserved,
		maxAttempts: maxAttempts,
		intN:        intN,
	}
}

// IsReserved reports whether alias names a system route
func (a *Allocator) IsReserved(alias string) bool {
	_, ok := a.reserved[strings.ToLower(alias)]
	return ok
}

// Allocate returns requested when it is usable, or a digest-derived alias
// for targetURL when requested is empty.
func (a *Allocator) Allocate(ctx context.Context, targetURL, requested string) (string, error) {
	const op = "alias.Allocate"

	if requested != "" {
		if a.IsReserved(requested) {
			return "", errx.E(op, errx.Invalid, fmt.Errorf("%w: %q", errx.ErrAliasReserved, requested))
		}
		if err := Validate(requested); err != nil {
			return "", errx.E(op, errx.Invalid, err)
		}
		taken, err := a.taken(ctx, requested)
		if err != nil {
			return "", errx.Wrap(op, err)
		}
		if taken {
			return "", errx.E(op, errx.Conflict, fmt.Errorf("%w: %q", errx.ErrAliasConflict, requested))
		}
		return requested, nil
	}

	digest := Digest(targetURL)
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		candidate := a.sample(digest, attempt)
		if a.IsReserved(candidate) {
			continue
		}
		taken, err := a.taken(ctx, candidate)
		if err != nil {
			return "", errx.Wrap(op, err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", errx.E(op, errx.Unavailable,
		fmt.Errorf("%w after %d attempts", errx.ErrAllocationExhausted, a.maxAttempts))
}

// Remember marks alias as used so later negative filter tests stay correct
func (a *Allocator) Remember(alias string) {
	if a.filter != nil {
		a.filter.Add(alias)
	}
}

func (a *Allocator) taken(ctx context.Context, alias string) (bool, error) {
	if a.filter != nil && !a.filter.Test(alias) {
		return false, nil
	}
	return a.store.Exists(ctx, alias)
}

// sample takes the digest prefix on the first attempt and Length characters
// drawn with replacement from the digest afterwards.
func (a *Allocator) sample(digest string, attempt int) string {
	if attempt == 0 {
		return digest[:Length]
	}
	buf := make([]byte, Length)
	for i := range buf {
		buf[i] = digest[a.intN(len(digest))]
	}
	return string(buf)
}

// Digest returns the hex SHA-256 of targetURL
func Digest(targetURL string) string {
	sum := sha256.Sum256([]byte(targetURL))
	return hex.EncodeToString(sum[:])
}

// Validate checks a caller-chosen alias
func Validate(alias string) error {
	if len(alias) < MinCustomLength || len(alias) > MaxCustomLength {
		return fmt.Errorf("%w: length must be between %d and %d", errx.ErrInvalidAlias, MinCustomLength, MaxCustomLength)
	}
	if strings.HasPrefix(alias, "-") || strings.HasPrefix(alias, "_") ||
		strings.HasSuffix(alias, "-") || strings.HasSuffix(alias, "_") {
		return fmt.Errorf("%w: cannot start or end with dash or underscore", errx.ErrInvalidAlias)
	}
	for _, c := range alias {
		if !isAliasChar(c) {
			return fmt.Errorf("%w: only alphanumeric, dash, and underscore allowed", errx.ErrInvalidAlias)
		}
	}
	return nil
}

func isAliasChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	default:
		return false
	}
}
