package vault

import (
	"math/big"
	"time"
)

// Management fee accrues linearly on total supply; the performance fee only
// fires when price per share beats the high-water mark grown by the hurdle
// rate over the elapsed time. Both are lazy: any mutating ledger call
// settles them first, and the Next* previews return exactly what that
// settlement would mint.

func (v *Vault) accrueFeesLocked(utilized *big.Int) {
	now := v.now()
	if v.lastFeeAccrual.IsZero() {
		v.lastFeeAccrual = now
		return
	}
	elapsed := now.Sub(v.lastFeeAccrual)
	if elapsed <= 0 {
		return
	}
	mgmtShares := v.managementFeeSharesLocked(elapsed)
	if mgmtShares.Sign() > 0 {
		v.mintLocked(v.feeRecipient, mgmtShares)
	}
	perfShares, newMark := v.performanceFeeSharesLocked(utilized, v.totalSupply, elapsed)
	if perfShares.Sign() > 0 {
		v.mintLocked(v.feeRecipient, perfShares)
	}
	if newMark != nil {
		v.highWaterMark = newMark
	}
	v.lastFeeAccrual = now
}

func (v *Vault) managementFeeSharesLocked(elapsed time.Duration) *big.Int {
	if v.managementFeeRate.Sign() == 0 || v.totalSupply.Sign() == 0 {
		return big.NewInt(0)
	}
	shares := new(big.Int).Mul(v.totalSupply, v.managementFeeRate)
	shares.Mul(shares, big.NewInt(int64(elapsed/time.Second)))
	shares.Quo(shares, new(big.Int).Mul(secondsPerYear, wad))
	return shares
}

// performanceFeeSharesLocked reports the shares to mint and the reset
// high-water mark, or a nil mark when the hurdle was not beaten. The
// supply passed in must already include the management fee dilution.
func (v *Vault) performanceFeeSharesLocked(utilized, supply *big.Int, elapsed time.Duration) (*big.Int, *big.Int) {
	if v.performanceFeeRate.Sign() == 0 || supply.Sign() == 0 {
		return big.NewInt(0), nil
	}
	total := v.totalAssetsLocked(utilized)
	if total.Sign() == 0 {
		return big.NewInt(0), nil
	}
	pps := mulDiv(total, wad, supply)
	growth := new(big.Int).Mul(v.highWaterMark, v.hurdleRate)
	growth.Mul(growth, big.NewInt(int64(elapsed/time.Second)))
	growth.Quo(growth, new(big.Int).Mul(secondsPerYear, wad))
	hurdleMark := new(big.Int).Add(v.highWaterMark, growth)
	if pps.Cmp(hurdleMark) <= 0 {
		return big.NewInt(0), nil
	}
	profit := new(big.Int).Sub(pps, hurdleMark)
	profit.Mul(profit, supply)
	profit.Quo(profit, wad)
	feeAssets := mulDiv(profit, v.performanceFeeRate, wad)
	if feeAssets.Sign() == 0 {
		return big.NewInt(0), nil
	}
	feeShares := mulDiv(feeAssets, supply, total)
	newSupply := new(big.Int).Add(supply, feeShares)
	newMark := mulDiv(total, wad, newSupply)
	return feeShares, newMark
}

// NextManagementFeeShares previews the management fee shares that the next
// mutating call would mint.
func (v *Vault) NextManagementFeeShares() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lastFeeAccrual.IsZero() {
		return big.NewInt(0)
	}
	elapsed := v.now().Sub(v.lastFeeAccrual)
	if elapsed <= 0 {
		return big.NewInt(0)
	}
	return v.managementFeeSharesLocked(elapsed)
}

// NextPerformanceFeeShares previews the performance fee shares that the
// next mutating call would mint.
func (v *Vault) NextPerformanceFeeShares() *big.Int {
	utilized := v.utilizedSnapshot()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lastFeeAccrual.IsZero() {
		return big.NewInt(0)
	}
	elapsed := v.now().Sub(v.lastFeeAccrual)
	if elapsed <= 0 {
		return big.NewInt(0)
	}
	supply := new(big.Int).Add(v.totalSupply, v.managementFeeSharesLocked(elapsed))
	shares, _ := v.performanceFeeSharesLocked(utilized, supply, elapsed)
	return shares
}

func (v *Vault) HighWaterMark() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.highWaterMark)
}
