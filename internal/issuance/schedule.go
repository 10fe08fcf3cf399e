// Package issuance computes community reward issuance to Stability Pool
// depositors on a yearly-halving schedule:
//
//	totalIssued(t) = supplyCap * (1 - factor^minutesSince(deployment))
package issuance

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	fpmath "SolvencyLedger/internal/math"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"
)

const (
	// DefaultIssuanceFactor halves the remaining issuance every year when
	// applied once per minute.
	DefaultIssuanceFactor = "0.999998681227695"
	DefaultSupplyCap      = "32000000"
)

// Schedule parameters. A zero DeploymentTime anchors the schedule at the
// first issuance call.
type Schedule struct {
	SupplyCap      uint256.Int
	IssuanceFactor uint256.Int
	DeploymentTime time.Time
}

func DefaultSchedule() Schedule {
	var s Schedule
	s.SupplyCap.Set(fpmath.MustParseDecimal(DefaultSupplyCap))
	s.IssuanceFactor.Set(fpmath.MustParseDecimal(DefaultIssuanceFactor))
	return s
}

func (s Schedule) Validate() error {
	if s.SupplyCap.IsZero() {
		return errors.New("issuance: supply cap must be positive")
	}
	if s.IssuanceFactor.IsZero() || s.IssuanceFactor.Gt(fpmath.Unit()) {
		return fmt.Errorf("issuance: factor %s outside (0, 1]", fpmath.FormatDecimal(&s.IssuanceFactor))
	}
	return nil
}

type fileSchedule struct {
	SupplyCap      string    `toml:"supply_cap"`
	IssuanceFactor string    `toml:"issuance_factor"`
	DeploymentTime time.Time `toml:"deployment_time"`
}

// LoadSchedule reads a TOML schedule. Missing keys keep their defaults;
// unknown keys are rejected.
func LoadSchedule(path string) (Schedule, error) {
	if strings.TrimSpace(path) == "" {
		return Schedule{}, errors.New("issuance: schedule path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Schedule{}, fmt.Errorf("issuance: read schedule: %w", err)
	}
	return ParseSchedule(data)
}

func ParseSchedule(data []byte) (Schedule, error) {
	var parsed fileSchedule
	meta, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&parsed)
	if err != nil {
		return Schedule{}, fmt.Errorf("issuance: decode schedule toml: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Schedule{}, fmt.Errorf("issuance: unknown schedule fields %v", undecoded)
	}

	s := DefaultSchedule()
	if parsed.SupplyCap != "" {
		v, err := fpmath.ParseDecimal(parsed.SupplyCap)
		if err != nil {
			return Schedule{}, fmt.Errorf("issuance: supply_cap: %w", err)
		}
		s.SupplyCap.Set(v)
	}
	if parsed.IssuanceFactor != "" {
		v, err := fpmath.ParseDecimal(parsed.IssuanceFactor)
		if err != nil {
			return Schedule{}, fmt.Errorf("issuance: issuance_factor: %w", err)
		}
		s.IssuanceFactor.Set(v)
	}
	s.DeploymentTime = parsed.DeploymentTime
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	return s, nil
}
