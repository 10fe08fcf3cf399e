package core

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"SolvencyLedger/internal/ledger"

	"github.com/holiman/uint256"
)

const genesisSeed = "SolvencyLedger:genesis:v1"

// hashChain links every applied event to its predecessor:
// hash[n] = SHA-256(hash[n-1] || sequence (8 bytes LE) || digest[n]).
type hashChain struct {
	tip [32]byte
}

func newHashChain() hashChain {
	return hashChain{tip: sha256.Sum256([]byte(genesisSeed))}
}

// extend appends one link and returns the previous and the new tip.
func (h *hashChain) extend(sequence int64, digest []byte) (prev, tip [32]byte) {
	s := sha256.New()
	s.Write(h.tip[:])
	s.Write(binary.LittleEndian.AppendUint64(nil, uint64(sequence)))
	s.Write(digest)

	prev = h.tip
	copy(h.tip[:], s.Sum(nil))
	return prev, h.tip
}

// solvencyDigest is the canonical encoding hashed for one event.
type solvencyDigest []byte

func (d solvencyDigest) u256(v *uint256.Int) solvencyDigest {
	b := v.Bytes32()
	return append(d, b[:]...)
}

func (d solvencyDigest) u64(v uint64) solvencyDigest {
	return binary.LittleEndian.AppendUint64(d, v)
}

func (d solvencyDigest) account(key ledger.AccountKey, balance *uint256.Int) solvencyDigest {
	path := key.AccountPath()
	d = append(d, byte(len(path)))
	d = append(d, path...)
	return d.u256(balance)
}

// computeStateDigest covers every account the batch touched, in path order,
// followed by the solvency state that moves without journals: P, epoch,
// scale, L_coll, L_debt, total stakes and issued rewards.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]struct{})
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = struct{}{}
		affected[j.CreditAccount] = struct{}{}
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	d := make(solvencyDigest, 0, len(accounts)*64+320)
	for _, key := range accounts {
		d = d.account(key, c.balanceTracker.GetBalance(key))
	}

	sl := c.stabilityLedger
	d = d.u256(sl.TotalDeposits()).u256(sl.P()).u64(sl.CurrentEpoch()).u64(sl.CurrentScale())

	acc := c.positionManager.Accumulator()
	d = d.u256(acc.CollateralPerUnitStaked()).
		u256(acc.DebtPerUnitStaked()).
		u256(c.positionManager.TotalStakes()).
		u256(c.issuer.TotalIssued())
	return d
}
