package ledger

import (
	"context"
	"strings"
)

// =============================================================================
// DRIVER NAME RESOLUTION
// =============================================================================
// Historic trips carry the driver's display name, not a trucker id. Names are
// resolved through an explicit alias table keyed by the normalized name. There
// is no fuzzy matching: a name either resolves exactly or is unresolved.

// NormalizeDriverName trims, collapses inner whitespace and lower-cases.
func NormalizeDriverName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// DriverResolution is the outcome of looking a driver name up.
type DriverResolution struct {
	TruckerID int64
	Resolved  bool
}

// ResolveDriver looks a display name up in the alias table.
func ResolveDriver(ctx context.Context, store AliasStore, name string) (DriverResolution, error) {
	key := NormalizeDriverName(name)
	if key == "" {
		return DriverResolution{}, nil
	}
	id, ok, err := store.ResolveAlias(ctx, key)
	if err != nil {
		return DriverResolution{}, err
	}
	return DriverResolution{TruckerID: id, Resolved: ok}, nil
}

// resolveOrCreateTrucker returns the trucker for a driver name, creating the
// trucker and its alias on first sight. An existing trucker with the same
// display name is adopted before a new one is created.
func resolveOrCreateTrucker(ctx context.Context, store Store, name, ownerUserID string) (int64, error) {
	res, err := ResolveDriver(ctx, store, name)
	if err != nil {
		return 0, err
	}
	if res.Resolved {
		return res.TruckerID, nil
	}

	display := strings.Join(strings.Fields(name), " ")
	acc, err := store.FindAccountByName(ctx, AccountTrucker, display)
	switch {
	case err == nil:
	case IsNotFound(err):
		created, cerr := store.CreateAccount(ctx, Account{Type: AccountTrucker, Name: display, OwnerUserID: ownerUserID})
		if cerr != nil {
			return 0, cerr
		}
		acc = &created
	default:
		return 0, err
	}

	if err := store.SaveAlias(ctx, NormalizeDriverName(name), acc.ID); err != nil {
		return 0, err
	}
	return acc.ID, nil
}

// resolveOrCreateNamed finds a mine or buyer by exact name, creating it when
// missing.
func resolveOrCreateNamed(ctx context.Context, store Store, t AccountType, name, ownerUserID string) (int64, error) {
	name = strings.TrimSpace(name)
	acc, err := store.FindAccountByName(ctx, t, name)
	if err == nil {
		return acc.ID, nil
	}
	if !IsNotFound(err) {
		return 0, err
	}
	created, err := store.CreateAccount(ctx, Account{Type: t, Name: name, OwnerUserID: ownerUserID})
	if err != nil {
		return 0, err
	}
	return created.ID, nil
}
