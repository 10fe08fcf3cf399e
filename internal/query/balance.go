package query

import (
	"context"
	"fmt"
	"strings"

	fpmath "SolvencyLedger/internal/math"

	"github.com/holiman/uint256"
)

// BalanceResponse is one ledger account's projected balance.
type BalanceResponse struct {
	AccountPath  string `json:"account_path"`
	Balance      string `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// GetBalances returns every projected account balance, ordered by path.
func (qs *QueryService) GetBalances(ctx context.Context) ([]BalanceResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, balance::text, last_sequence
		FROM projections.balances ORDER BY account_path
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceResponse
	for rows.Next() {
		var b BalanceResponse
		var raw string
		if err := rows.Scan(&b.AccountPath, &raw, &b.LastSequence); err != nil {
			return nil, err
		}
		if b.Balance, err = signedWholeUnits(raw); err != nil {
			return nil, fmt.Errorf("balance %s: %w", b.AccountPath, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type field struct {
	dst *uint256.Int
	raw string
}

// parseAll decodes raw NUMERIC(78,0) columns.
func parseAll(fields ...field) error {
	for _, f := range fields {
		if err := f.dst.SetFromDecimal(f.raw); err != nil {
			return fmt.Errorf("decode numeric %q: %w", f.raw, err)
		}
	}
	return nil
}

// wholeUnits renders a raw fixed-point column in whole units.
func wholeUnits(raw string) (string, error) {
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return "", fmt.Errorf("decode numeric %q: %w", raw, err)
	}
	return fpmath.FormatDecimal(v), nil
}

func signedWholeUnits(raw string) (string, error) {
	if neg, ok := strings.CutPrefix(raw, "-"); ok {
		s, err := wholeUnits(neg)
		return "-" + s, err
	}
	return wholeUnits(raw)
}
