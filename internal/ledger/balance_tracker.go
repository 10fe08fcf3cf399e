package ledger

import (
	"fmt"
	"sort"

	fpmath "SolvencyLedger/internal/math"

	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances. Balances are signed
// 256-bit two's-complement values: external accounts run negative as value
// enters the system.
type BalanceTracker struct {
	balances map[AccountKey]uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]uint256.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	debit := bt.balances[j.DebitAccount]
	debit.Add(&debit, &j.Amount)
	bt.balances[j.DebitAccount] = debit

	credit := bt.balances[j.CreditAccount]
	credit.Sub(&credit, &j.Amount)
	bt.balances[j.CreditAccount] = credit
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	b := bt.balances[key]
	return &b
}

// SetBalance overwrites a balance. Used for snapshot restore only.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance *uint256.Int) {
	var b uint256.Int
	b.Set(balance)
	bt.balances[key] = b
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), FormatSigned(balance))
	}
	return nil
}

// ValidateSystemNonNegative checks every system account.
func (bt *BalanceTracker) ValidateSystemNonNegative() error {
	for _, key := range bt.Accounts() {
		if key.Scope != AccountScopeSystem {
			continue
		}
		if err := bt.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*uint256.Int {
	totals := make(map[AssetID]*uint256.Int)

	for key, balance := range bt.balances {
		total, ok := totals[key.AssetID]
		if !ok {
			total = new(uint256.Int)
			totals[key.AssetID] = total
		}
		total.Add(total, &balance)
	}

	return totals
}

// Accounts returns every tracked account ordered by path.
func (bt *BalanceTracker) Accounts() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]uint256.Int {
	snapshot := make(map[AccountKey]uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// FormatSigned renders a two's-complement balance as a signed decimal.
func FormatSigned(v *uint256.Int) string {
	if v.Sign() < 0 {
		return "-" + fpmath.FormatDecimal(new(uint256.Int).Neg(v))
	}
	return fpmath.FormatDecimal(v)
}

// ParseSigned is the inverse of FormatSigned.
func ParseSigned(s string) (*uint256.Int, error) {
	neg := len(s) > 0 && s[0] == '-'
	if neg {
		s = s[1:]
	}
	v, err := fpmath.ParseDecimal(s)
	if err != nil {
		return nil, err
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}
