package vault

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerState is the read-only aggregate exposed for monitoring and tests.
type LedgerState struct {
	TotalSupply                           *big.Int
	TotalAssets                           *big.Int
	IdleAssets                            *big.Int
	ClaimableAssets                       *big.Int
	ReservedExecutionCost                 *big.Int
	AccRequestedWithdrawAssets            *big.Int
	ProcessedWithdrawAssets               *big.Int
	PrioritizedAccRequestedWithdrawAssets *big.Int
	PrioritizedProcessedWithdrawAssets    *big.Int
	HighWaterMark                         *big.Int
	LastFeeAccrual                        time.Time
	Paused                                bool
	Shutdown                              bool
}

func (v *Vault) State() LedgerState {
	utilized := v.utilizedSnapshot()
	v.mu.Lock()
	defer v.mu.Unlock()
	return LedgerState{
		TotalSupply:                           new(big.Int).Set(v.totalSupply),
		TotalAssets:                           v.totalAssetsLocked(utilized),
		IdleAssets:                            new(big.Int).Set(v.idleAssets),
		ClaimableAssets:                       new(big.Int).Set(v.claimableAssets),
		ReservedExecutionCost:                 new(big.Int).Set(v.reservedExecutionCost),
		AccRequestedWithdrawAssets:            new(big.Int).Set(v.accRequested),
		ProcessedWithdrawAssets:               new(big.Int).Set(v.processed),
		PrioritizedAccRequestedWithdrawAssets: new(big.Int).Set(v.prioAccRequested),
		PrioritizedProcessedWithdrawAssets:    new(big.Int).Set(v.prioProcessed),
		HighWaterMark:                         new(big.Int).Set(v.highWaterMark),
		LastFeeAccrual:                        v.lastFeeAccrual,
		Paused:                                v.paused,
		Shutdown:                              v.shutdown,
	}
}

func (v *Vault) TotalSupply() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.totalSupply)
}

func (v *Vault) BalanceOf(owner common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal, ok := v.balances[owner]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(bal)
}

func (v *Vault) TotalAssets() *big.Int {
	utilized := v.utilizedSnapshot()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalAssetsLocked(utilized)
}

// TotalAssetsGiven computes NAV against a caller-supplied utilized figure.
// The strategy uses it to avoid re-entering its own lock.
func (v *Vault) TotalAssetsGiven(utilized *big.Int) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalAssetsLocked(utilized)
}

func (v *Vault) IdleAssets() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.idleAssets)
}

func (v *Vault) ClaimableAssets() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.claimableAssets)
}

func (v *Vault) ReservedExecutionCost() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.reservedExecutionCost)
}

func (v *Vault) AccRequestedWithdrawAssets() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.accRequested)
}

func (v *Vault) ProcessedWithdrawAssets() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.processed)
}

func (v *Vault) PrioritizedAccRequestedWithdrawAssets() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.prioAccRequested)
}

func (v *Vault) PrioritizedProcessedWithdrawAssets() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.prioProcessed)
}

// TotalPendingWithdrawAssets is the backlog both ledgers are still owed.
func (v *Vault) TotalPendingWithdrawAssets() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	pending := new(big.Int).Sub(v.accRequested, v.processed)
	pending.Add(pending, new(big.Int).Sub(v.prioAccRequested, v.prioProcessed))
	return pending
}

func (v *Vault) Request(key common.Hash) (WithdrawRequest, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	req, ok := v.requests[key]
	if !ok {
		return WithdrawRequest{}, false
	}
	out := *req
	out.RequestedAssets = new(big.Int).Set(req.RequestedAssets)
	out.AccRequestedWithdrawAssets = new(big.Int).Set(req.AccRequestedWithdrawAssets)
	return out, true
}

func (v *Vault) SetPrioritized(account common.Address, prioritized bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if prioritized {
		v.prioritized[account] = true
	} else {
		delete(v.prioritized, account)
	}
}

func (v *Vault) IsPrioritized(account common.Address) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.prioritized[account]
}

func (v *Vault) IsPaused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused
}

func (v *Vault) IsShutdown() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shutdown
}

// PricePerShare is WAD-scaled NAV per share; WAD when no shares exist.
func (v *Vault) PricePerShare() *big.Int {
	utilized := v.utilizedSnapshot()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.totalSupply.Sign() == 0 {
		return new(big.Int).Set(wad)
	}
	return mulDiv(v.totalAssetsLocked(utilized), wad, v.totalSupply)
}

func (v *Vault) PreviewDeposit(assets *big.Int) *big.Int {
	utilized := v.utilizedSnapshot()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.convertToSharesLocked(assets, utilized)
}

func (v *Vault) PreviewMint(shares *big.Int) *big.Int {
	utilized := v.utilizedSnapshot()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.convertToAssetsUpLocked(shares, utilized)
}

func (v *Vault) PreviewWithdraw(assets *big.Int) *big.Int {
	utilized := v.utilizedSnapshot()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.convertToSharesUpLocked(assets, utilized)
}

func (v *Vault) PreviewRedeem(shares *big.Int) *big.Int {
	utilized := v.utilizedSnapshot()
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.convertToAssetsLocked(shares, utilized)
}
