package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypeOptionToken

	// System sub-types
	SubTypeSystemVault
	SubTypeSystemTreasury

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalIssuance
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetCollateral  AssetID = 1 // quote collateral (USDC)
	AssetOptionToken AssetID = 2 // the perpetual call option token (pCALL)
)

var (
	assetToID = map[string]AssetID{
		"USDC":  AssetCollateral,
		"PCALL": AssetOptionToken,
	}
	idToAsset = map[AssetID]string{
		AssetCollateral:  "USDC",
		AssetOptionToken: "PCALL",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (20 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, zero for system/external accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts.
// External accounts absorb the counter-leg of value entering or leaving the
// protocol (deposits, withdrawals, token issuance) so the ledger stays zero-sum.
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// VaultAccount returns the collateral vault key.
func VaultAccount() AccountKey {
	return NewSystemAccountKey(SubTypeSystemVault, AssetCollateral)
}

// TreasuryAccount returns the fee treasury key.
func TreasuryAccount() AccountKey {
	return NewSystemAccountKey(SubTypeSystemTreasury, AssetCollateral)
}

// IssuanceAccount returns the external counter-account for option token
// mint and burn.
func IssuanceAccount() AccountKey {
	return NewExternalAccountKey(SubTypeExternalIssuance, AssetOptionToken)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// ParseAccountPath reconstructs an AccountKey from its path form.
// Used when restoring balances from Postgres. Unknown paths yield a zero key.
func ParseAccountPath(path string) AccountKey {
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 4 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}
		}
		assetID, _ := GetAssetID(parts[3])
		return NewUserAccountKey(uid, subTypeFromName(parts[2], AccountScopeUser), assetID)

	case len(parts) == 3 && parts[0] == "system":
		assetID, _ := GetAssetID(parts[2])
		return NewSystemAccountKey(subTypeFromName(parts[1], AccountScopeSystem), assetID)

	case len(parts) == 3 && parts[0] == "external":
		assetID, _ := GetAssetID(parts[2])
		return NewExternalAccountKey(subTypeFromName(parts[1], AccountScopeExternal), assetID)
	}
	return AccountKey{}
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeOptionToken:
		return "option_token"
	case SubTypeSystemVault:
		return "vault"
	case SubTypeSystemTreasury:
		return "treasury"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeExternalIssuance:
		return "issuance"
	default:
		return "unknown"
	}
}

func subTypeFromName(name string, scope AccountScope) AccountSubType {
	switch scope {
	case AccountScopeUser:
		if name == "option_token" {
			return SubTypeOptionToken
		}
		return SubTypeCollateral
	case AccountScopeSystem:
		if name == "treasury" {
			return SubTypeSystemTreasury
		}
		return SubTypeSystemVault
	default:
		switch name {
		case "withdrawals":
			return SubTypeExternalWithdrawals
		case "issuance":
			return SubTypeExternalIssuance
		default:
			return SubTypeExternalDeposits
		}
	}
}
