package ledger

import (
	"fmt"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeSystem AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// System sub-types: balances held by the protocol. Never negative.
	SubTypeStabilityDeposits AccountSubType = iota
	SubTypeStabilityCollateralGains
	SubTypeStabilityRewardGains
	SubTypeActivePool
	SubTypeDefaultPool

	// External sub-types: boundary counterparties. Balances go negative as
	// value flows in.
	SubTypeDepositorFunds
	SubTypeWithdrawals
	SubTypeGainPayouts
	SubTypeRewardPayouts
	SubTypeCommunityIssuance
	SubTypeBurned
	SubTypePositionFunds
	SubTypeDebtIssued
	SubTypeDebtCancelled
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetStable AssetID = iota + 1
	AssetCollateral
	AssetDebt
	AssetReward
)

var (
	assetToID = map[string]AssetID{
		"STABLE": AssetStable,
		"COLL":   AssetCollateral,
		"DEBT":   AssetDebt,
		"REWARD": AssetReward,
	}
	idToAsset = map[AssetID]string{
		AssetStable:     "STABLE",
		AssetCollateral: "COLL",
		AssetDebt:       "DEBT",
		AssetReward:     "REWARD",
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

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	SubType AccountSubType
	AssetID AssetID
}

func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// Frequently used accounts.
var (
	StabilityDeposits        = NewSystemAccountKey(SubTypeStabilityDeposits, AssetStable)
	StabilityCollateralGains = NewSystemAccountKey(SubTypeStabilityCollateralGains, AssetCollateral)
	StabilityRewardGains     = NewSystemAccountKey(SubTypeStabilityRewardGains, AssetReward)
	ActivePoolCollateral     = NewSystemAccountKey(SubTypeActivePool, AssetCollateral)
	ActivePoolDebt           = NewSystemAccountKey(SubTypeActivePool, AssetDebt)
	DefaultPoolCollateral    = NewSystemAccountKey(SubTypeDefaultPool, AssetCollateral)
	DefaultPoolDebt          = NewSystemAccountKey(SubTypeDefaultPool, AssetDebt)
)

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeStabilityDeposits:
		return "sp_deposits"
	case SubTypeStabilityCollateralGains:
		return "sp_collateral_gains"
	case SubTypeStabilityRewardGains:
		return "sp_reward_gains"
	case SubTypeActivePool:
		return "active_pool"
	case SubTypeDefaultPool:
		return "default_pool"
	case SubTypeDepositorFunds:
		return "depositor_funds"
	case SubTypeWithdrawals:
		return "withdrawals"
	case SubTypeGainPayouts:
		return "gain_payouts"
	case SubTypeRewardPayouts:
		return "reward_payouts"
	case SubTypeCommunityIssuance:
		return "community_issuance"
	case SubTypeBurned:
		return "burned"
	case SubTypePositionFunds:
		return "position_funds"
	case SubTypeDebtIssued:
		return "debt_issued"
	case SubTypeDebtCancelled:
		return "debt_cancelled"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	for scope := AccountScopeSystem; scope <= AccountScopeExternal; scope++ {
		for sub := SubTypeStabilityDeposits; sub <= SubTypeDebtCancelled; sub++ {
			for asset := AssetStable; asset <= AssetReward; asset++ {
				key := AccountKey{Scope: scope, SubType: sub, AssetID: asset}
				if key.AccountPath() == path {
					return key, nil
				}
			}
		}
	}
	return AccountKey{}, fmt.Errorf("unknown account path %q", path)
}
