package issuance

import (
	"fmt"

	fpmath "SolvencyLedger/internal/math"

	"github.com/holiman/uint256"
)

const secondsPerMinute = 60

// State is the serializable form of an Issuer.
type State struct {
	TotalIssued    uint256.Int
	DeploymentTime int64 // unix seconds, 0 until anchored
	LastIssuedAt   int64 // unix seconds
}

// Issuer tracks how much of the schedule has been released. Time comes from
// event timestamps, never the wall clock.
type Issuer struct {
	schedule Schedule
	state    State
}

func NewIssuer(schedule Schedule) *Issuer {
	is := &Issuer{schedule: schedule}
	if !schedule.DeploymentTime.IsZero() {
		is.state.DeploymentTime = schedule.DeploymentTime.Unix()
	}
	return is
}

// CumulativeFraction returns 1 - factor^minutes elapsed at unix second now.
func (is *Issuer) CumulativeFraction(now int64) (*uint256.Int, error) {
	deployed := is.state.DeploymentTime
	if deployed == 0 || now <= deployed {
		return fpmath.Zero(), nil
	}
	minutes := uint64(now-deployed) / secondsPerMinute
	power, err := fpmath.DecPow(&is.schedule.IssuanceFactor, minutes)
	if err != nil {
		return nil, fmt.Errorf("issuance power: %w", err)
	}
	fraction, err := fpmath.Sub(fpmath.Unit(), power)
	if err != nil {
		return nil, fmt.Errorf("%w: issuance fraction above 1", fpmath.ErrInvariantViolation)
	}
	return fraction, nil
}

// Issue releases the issuance accrued up to unix second now and returns the
// newly issued amount. Timestamps earlier than the last call issue nothing.
func (is *Issuer) Issue(now int64) (*uint256.Int, error) {
	if is.state.DeploymentTime == 0 {
		is.state.DeploymentTime = now
		is.state.LastIssuedAt = now
		return fpmath.Zero(), nil
	}
	if now <= is.state.LastIssuedAt {
		return fpmath.Zero(), nil
	}

	fraction, err := is.CumulativeFraction(now)
	if err != nil {
		return nil, err
	}
	latest, err := fpmath.MulDiv(&is.schedule.SupplyCap, fraction, fpmath.Unit(), fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("issued total: %w", err)
	}
	if latest.Lt(&is.state.TotalIssued) {
		return nil, fmt.Errorf("%w: issued total decreased", fpmath.ErrInvariantViolation)
	}
	issued := new(uint256.Int).Sub(latest, &is.state.TotalIssued)

	is.state.TotalIssued.Set(latest)
	is.state.LastIssuedAt = now
	return issued, nil
}

func (is *Issuer) TotalIssued() *uint256.Int {
	return is.state.TotalIssued.Clone()
}

func (is *Issuer) ExportState() State {
	return is.state
}

func (is *Issuer) RestoreState(s State) {
	is.state = s
}
