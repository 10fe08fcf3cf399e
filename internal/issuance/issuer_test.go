package issuance_test

import (
	"testing"
	"time"

	"SolvencyLedger/internal/issuance"
	fpmath "SolvencyLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	deployed = int64(1_700_000_000)
	month    = int64(30 * 24 * 60 * 60)
	year     = int64(365 * 24 * 60 * 60)
)

func within(t *testing.T, want string, got *uint256.Int, tol string) {
	t.Helper()
	w, d := fpmath.MustParseDecimal(want), fpmath.MustParseDecimal(tol)
	diff := new(uint256.Int)
	if got.Gt(w) {
		diff.Sub(got, w)
	} else {
		diff.Sub(w, got)
	}
	assert.False(t, diff.Gt(d), "want %s got %s", want, fpmath.FormatDecimal(got))
}

func newIssuer() *issuance.Issuer {
	s := issuance.DefaultSchedule()
	s.DeploymentTime = time.Unix(deployed, 0)
	return issuance.NewIssuer(s)
}

func TestCumulativeFraction_OneMonth(t *testing.T) {
	is := newIssuer()
	f, err := is.CumulativeFraction(deployed + month)
	require.NoError(t, err)
	within(t, "0.0553785", f, "0.000001")
}

func TestCumulativeFraction_OneYearHalves(t *testing.T) {
	is := newIssuer()
	f, err := is.CumulativeFraction(deployed + year)
	require.NoError(t, err)
	within(t, "0.5", f, "0.000001")
}

func TestIssue_IncrementalSumsToTotal(t *testing.T) {
	is := newIssuer()
	sum := fpmath.Zero()
	for _, dt := range []int64{60, 3600, month, month + 17, year} {
		amt, err := is.Issue(deployed + dt)
		require.NoError(t, err)
		sum.Add(sum, amt)
	}
	assert.True(t, sum.Eq(is.TotalIssued()))
	within(t, "16000000", sum, "10")
}

func TestIssue_TimeNeverGoesBackwards(t *testing.T) {
	is := newIssuer()
	_, err := is.Issue(deployed + month)
	require.NoError(t, err)

	amt, err := is.Issue(deployed + 10)
	require.NoError(t, err)
	assert.True(t, amt.IsZero())
}

func TestIssue_AnchorsOnFirstCall(t *testing.T) {
	is := issuance.NewIssuer(issuance.DefaultSchedule())
	amt, err := is.Issue(deployed)
	require.NoError(t, err)
	assert.True(t, amt.IsZero())
	assert.Equal(t, deployed, is.ExportState().DeploymentTime)

	amt, err = is.Issue(deployed + month)
	require.NoError(t, err)
	within(t, "1772113.2", amt, "50")
}

func TestParseSchedule(t *testing.T) {
	s, err := issuance.ParseSchedule([]byte(`
supply_cap = "1000"
issuance_factor = "0.5"
deployment_time = 2024-01-01T00:00:00Z
`))
	require.NoError(t, err)
	assert.Equal(t, "1000", fpmath.FormatDecimal(&s.SupplyCap))
	assert.Equal(t, "0.5", fpmath.FormatDecimal(&s.IssuanceFactor))
	assert.Equal(t, int64(1704067200), s.DeploymentTime.Unix())
}

func TestParseSchedule_RejectsUnknownKeys(t *testing.T) {
	_, err := issuance.ParseSchedule([]byte(`supply = "1"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown schedule fields")
}

func TestParseSchedule_RejectsFactorAboveOne(t *testing.T) {
	_, err := issuance.ParseSchedule([]byte(`issuance_factor = "1.5"`))
	require.Error(t, err)
}

func TestParseSchedule_DefaultsWhenEmpty(t *testing.T) {
	s, err := issuance.ParseSchedule(nil)
	require.NoError(t, err)
	assert.Equal(t, issuance.DefaultSupplyCap, fpmath.FormatDecimal(&s.SupplyCap))
	assert.True(t, s.DeploymentTime.IsZero())
}
