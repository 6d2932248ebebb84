// Package vault implements the share-accounting ledger: deposits mint
// shares, withdrawal requests burn them and queue behind two FIFO
// watermarks, and returned strategy assets advance the watermarks before
// anything becomes idle again.
package vault

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// StrategyView is the slice of the strategy the ledger needs: how many
// assets are deployed in the legs, and a way to force them back.
type StrategyView interface {
	UtilizedAssets() *big.Int
	Stop(ctx context.Context) error
}

// TransferFunc moves assets out of the vault to a receiver. The concrete
// transfer mechanics are external; tests observe payouts through it.
type TransferFunc func(to common.Address, amount *big.Int)

// JournalFunc receives withdraw-request lifecycle events for persistence.
// The request value is a copy; IsClaimed marks the terminal event.
type JournalFunc func(key common.Hash, req WithdrawRequest)

type Config struct {
	ManagementFeeRate  *big.Int // WAD per year
	PerformanceFeeRate *big.Int // WAD share of profit above hurdle
	HurdleRate         *big.Int // WAD per year
	FeeRecipient       common.Address
	PrioritizedAccounts []common.Address
}

type Vault struct {
	log *zap.Logger
	now func() time.Time

	strategyMu sync.Mutex
	strategy   StrategyView

	mu          sync.Mutex
	totalSupply *big.Int
	balances    map[common.Address]*big.Int

	idleAssets            *big.Int
	claimableAssets       *big.Int
	reservedExecutionCost *big.Int

	accRequested  *big.Int
	processed     *big.Int
	prioAccRequested *big.Int
	prioProcessed    *big.Int
	unclaimedRequested *big.Int

	requests     map[common.Hash]*WithdrawRequest
	requestNonce map[common.Address]uint64
	prioritized  map[common.Address]bool

	managementFeeRate  *big.Int
	performanceFeeRate *big.Int
	hurdleRate         *big.Int
	feeRecipient       common.Address
	highWaterMark      *big.Int // WAD price per share
	lastFeeAccrual     time.Time

	paused   bool
	shutdown bool

	transfer TransferFunc
	journal  JournalFunc
}

var (
	wad            = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	secondsPerYear = big.NewInt(365 * 24 * 60 * 60)
)

func New(cfg Config, log *zap.Logger) *Vault {
	v := &Vault{
		log:                log,
		now:                time.Now,
		totalSupply:        big.NewInt(0),
		balances:           make(map[common.Address]*big.Int),
		idleAssets:         big.NewInt(0),
		claimableAssets:    big.NewInt(0),
		reservedExecutionCost: big.NewInt(0),
		accRequested:       big.NewInt(0),
		processed:          big.NewInt(0),
		prioAccRequested:   big.NewInt(0),
		prioProcessed:      big.NewInt(0),
		unclaimedRequested: big.NewInt(0),
		requests:           make(map[common.Hash]*WithdrawRequest),
		requestNonce:       make(map[common.Address]uint64),
		prioritized:        make(map[common.Address]bool),
		managementFeeRate:  cloneOrZero(cfg.ManagementFeeRate),
		performanceFeeRate: cloneOrZero(cfg.PerformanceFeeRate),
		hurdleRate:         cloneOrZero(cfg.HurdleRate),
		feeRecipient:       cfg.FeeRecipient,
		highWaterMark:      new(big.Int).Set(wad),
	}
	for _, addr := range cfg.PrioritizedAccounts {
		v.prioritized[addr] = true
	}
	return v
}

// SetClock overrides the time source. Tests use it to advance fee accrual.
func (v *Vault) SetClock(now func() time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = now
}

func (v *Vault) SetTransfer(fn TransferFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.transfer = fn
}

// SetJournal registers a callback invoked whenever a withdraw request is
// queued or claimed, letting the caller persist the open request set.
func (v *Vault) SetJournal(fn JournalFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.journal = fn
}

func (v *Vault) journalLocked(key common.Hash, req *WithdrawRequest) {
	if v.journal != nil {
		v.journal(key, *req)
	}
}

func (v *Vault) BindStrategy(s StrategyView) {
	v.strategyMu.Lock()
	defer v.strategyMu.Unlock()
	v.strategy = s
}

func (v *Vault) strategyRef() StrategyView {
	v.strategyMu.Lock()
	defer v.strategyMu.Unlock()
	return v.strategy
}

// utilizedSnapshot reads the strategy's deployed assets before the ledger
// lock is taken, keeping the lock order strategy-then-vault.
func (v *Vault) utilizedSnapshot() *big.Int {
	if s := v.strategyRef(); s != nil {
		return s.UtilizedAssets()
	}
	return big.NewInt(0)
}

// Deposit mints shares for assets at the current share price. If a
// withdrawal backlog exists the incoming assets advance the watermarks
// first; only the remainder becomes idle.
func (v *Vault) Deposit(receiver common.Address, assets *big.Int) (*big.Int, error) {
	utilized := v.utilizedSnapshot()
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}
	if receiver == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	v.accrueFeesLocked(utilized)
	shares := v.convertToSharesLocked(assets, utilized)
	if shares.Sign() == 0 {
		return nil, ErrZeroShares
	}
	v.mintLocked(receiver, shares)
	remainder := v.consumeSettlementLocked(new(big.Int).Set(assets))
	v.idleAssets = new(big.Int).Add(v.idleAssets, remainder)
	return shares, nil
}

// Mint is the share-denominated twin of Deposit; the asset cost rounds up.
func (v *Vault) Mint(receiver common.Address, shares *big.Int) (*big.Int, error) {
	utilized := v.utilizedSnapshot()
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpenLocked(); err != nil {
		return nil, err
	}
	if receiver == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrZeroShares
	}
	v.accrueFeesLocked(utilized)
	assets := v.convertToAssetsUpLocked(shares, utilized)
	if assets.Sign() == 0 {
		return nil, ErrZeroAmount
	}
	v.mintLocked(receiver, shares)
	remainder := v.consumeSettlementLocked(new(big.Int).Set(assets))
	v.idleAssets = new(big.Int).Add(v.idleAssets, remainder)
	return assets, nil
}

// RequestWithdraw burns the shares backing assets and serves the amount
// from idle assets where possible. Any shortfall appends a withdraw
// request; the returned key is zero when the request was fully instant.
func (v *Vault) RequestWithdraw(owner, receiver common.Address, assets *big.Int) (common.Hash, *big.Int, error) {
	utilized := v.utilizedSnapshot()
	v.mu.Lock()
	defer v.mu.Unlock()
	if assets == nil || assets.Sign() <= 0 {
		return common.Hash{}, nil, ErrZeroAmount
	}
	v.accrueFeesLocked(utilized)
	shares := v.convertToSharesUpLocked(assets, utilized)
	if shares.Sign() == 0 {
		return common.Hash{}, nil, ErrZeroShares
	}
	if err := v.burnLocked(owner, shares); err != nil {
		return common.Hash{}, nil, err
	}
	return v.queueWithdrawalLocked(owner, receiver, assets)
}

// RequestRedeem burns shares and queues the asset value they redeem for.
func (v *Vault) RequestRedeem(owner, receiver common.Address, shares *big.Int) (common.Hash, *big.Int, error) {
	utilized := v.utilizedSnapshot()
	v.mu.Lock()
	defer v.mu.Unlock()
	if shares == nil || shares.Sign() <= 0 {
		return common.Hash{}, nil, ErrZeroAmount
	}
	v.accrueFeesLocked(utilized)
	assets := v.convertToAssetsLocked(shares, utilized)
	if assets.Sign() == 0 {
		return common.Hash{}, nil, ErrZeroAmount
	}
	if err := v.burnLocked(owner, shares); err != nil {
		return common.Hash{}, nil, err
	}
	return v.queueWithdrawalLocked(owner, receiver, assets)
}

func (v *Vault) queueWithdrawalLocked(owner, receiver common.Address, assets *big.Int) (common.Hash, *big.Int, error) {
	if receiver == (common.Address{}) {
		receiver = owner
	}
	instant := minBig(v.idleAssets, assets)
	if instant.Sign() > 0 {
		v.idleAssets = new(big.Int).Sub(v.idleAssets, instant)
		v.payOutLocked(receiver, instant)
	}
	remainder := new(big.Int).Sub(assets, instant)
	if remainder.Sign() == 0 {
		return common.Hash{}, instant, nil
	}
	isPrio := v.prioritized[owner]
	var acc *big.Int
	if isPrio {
		v.prioAccRequested = new(big.Int).Add(v.prioAccRequested, remainder)
		acc = new(big.Int).Set(v.prioAccRequested)
	} else {
		v.accRequested = new(big.Int).Add(v.accRequested, remainder)
		acc = new(big.Int).Set(v.accRequested)
	}
	v.unclaimedRequested = new(big.Int).Add(v.unclaimedRequested, remainder)
	nonce := v.requestNonce[owner]
	v.requestNonce[owner] = nonce + 1
	key := requestKey(owner, nonce)
	v.requests[key] = &WithdrawRequest{
		Owner:                      owner,
		Receiver:                   receiver,
		RequestedAssets:            remainder,
		AccRequestedWithdrawAssets: acc,
		RequestTimestamp:           v.now(),
		IsPrioritized:              isPrio,
	}
	v.journalLocked(key, v.requests[key])
	if v.log != nil {
		v.log.Info("withdraw request queued",
			zap.String("key", key.Hex()),
			zap.String("owner", owner.Hex()),
			zap.String("requested", remainder.String()),
			zap.Bool("prioritized", isPrio),
		)
	}
	return key, instant, nil
}

// Claim pays a processed request. The claim that empties both ledgers
// receives whatever remains in the claimable pool so no dust strands.
func (v *Vault) Claim(caller common.Address, key common.Hash) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	req, ok := v.requests[key]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if caller != req.Owner && caller != req.Receiver {
		return nil, ErrUnauthorizedClaimer
	}
	if req.IsClaimed {
		return nil, ErrRequestAlreadyClaimed
	}
	watermark := v.processed
	if req.IsPrioritized {
		watermark = v.prioProcessed
	}
	if watermark.Cmp(req.AccRequestedWithdrawAssets) < 0 {
		return nil, ErrRequestNotExecuted
	}
	v.unclaimedRequested = new(big.Int).Sub(v.unclaimedRequested, req.RequestedAssets)
	amount := minBig(req.RequestedAssets, v.claimableAssets)
	if v.queuesDrainedLocked() && v.unclaimedRequested.Sign() == 0 {
		// Last claim out the door takes any rounding/PnL surplus.
		amount = new(big.Int).Set(v.claimableAssets)
	}
	v.claimableAssets = new(big.Int).Sub(v.claimableAssets, amount)
	req.IsClaimed = true
	v.journalLocked(key, req)
	v.payOutLocked(req.Receiver, amount)
	return amount, nil
}

func (v *Vault) queuesDrainedLocked() bool {
	return v.processed.Cmp(v.accRequested) == 0 && v.prioProcessed.Cmp(v.prioAccRequested) == 0
}

// consumeSettlementLocked is the single place that decides who gets paid
// from a tranche of arriving assets: the prioritized watermark advances
// first and fully up to availability, then the ordinary one. The leftover
// is returned to the caller.
func (v *Vault) consumeSettlementLocked(amount *big.Int) *big.Int {
	take := minBig(amount, new(big.Int).Sub(v.prioAccRequested, v.prioProcessed))
	if take.Sign() > 0 {
		v.prioProcessed = new(big.Int).Add(v.prioProcessed, take)
		v.claimableAssets = new(big.Int).Add(v.claimableAssets, take)
		amount = new(big.Int).Sub(amount, take)
	}
	take = minBig(amount, new(big.Int).Sub(v.accRequested, v.processed))
	if take.Sign() > 0 {
		v.processed = new(big.Int).Add(v.processed, take)
		v.claimableAssets = new(big.Int).Add(v.claimableAssets, take)
		amount = new(big.Int).Sub(amount, take)
	}
	if v.totalSupply.Sign() == 0 && v.unclaimedRequested.Sign() > 0 && amount.Sign() > 0 {
		// No shareholders remain: outstanding claimants absorb the surplus.
		v.claimableAssets = new(big.Int).Add(v.claimableAssets, amount)
		amount = big.NewInt(0)
	}
	return amount
}

// ProcessReturnedAssets books assets delivered back by the strategy after a
// confirmed settlement. The watermarks only ever advance here and on
// incoming deposits, never speculatively.
func (v *Vault) ProcessReturnedAssets(amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	remainder := v.consumeSettlementLocked(new(big.Int).Set(amount))
	v.idleAssets = new(big.Int).Add(v.idleAssets, remainder)
}

// PullIdleAssets hands idle assets to the strategy for utilization.
func (v *Vault) PullIdleAssets(amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if v.idleAssets.Cmp(amount) < 0 {
		return ErrInsufficientIdle
	}
	v.idleAssets = new(big.Int).Sub(v.idleAssets, amount)
	return nil
}

// ReturnIdleAssets undoes a pull that could not be executed. Unlike
// ProcessReturnedAssets it never advances the watermarks.
func (v *Vault) ReturnIdleAssets(amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.idleAssets = new(big.Int).Add(v.idleAssets, amount)
}

func (v *Vault) SetReservedExecutionCost(amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reservedExecutionCost = cloneOrZero(amount)
}

func (v *Vault) ClearReservedExecutionCost() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reservedExecutionCost = big.NewInt(0)
}

// Pause halts new deposits and mints. With stopStrategy the strategy is
// forced to fully deutilize so queued withdrawals stay serviceable.
func (v *Vault) Pause(ctx context.Context, stopStrategy bool) error {
	v.mu.Lock()
	v.paused = true
	v.mu.Unlock()
	if !stopStrategy {
		return nil
	}
	if s := v.strategyRef(); s != nil {
		return s.Stop(ctx)
	}
	return nil
}

func (v *Vault) Unpause() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.shutdown {
		v.paused = false
	}
}

// Shutdown is the terminal circuit breaker: deposits stop for good and the
// strategy unwinds completely.
func (v *Vault) Shutdown(ctx context.Context) error {
	v.mu.Lock()
	v.paused = true
	v.shutdown = true
	v.mu.Unlock()
	if s := v.strategyRef(); s != nil {
		return s.Stop(ctx)
	}
	return nil
}

func (v *Vault) checkOpenLocked() error {
	if v.shutdown {
		return ErrVaultShutdown
	}
	if v.paused {
		return ErrVaultPaused
	}
	return nil
}

func (v *Vault) mintLocked(to common.Address, shares *big.Int) {
	v.totalSupply = new(big.Int).Add(v.totalSupply, shares)
	bal, ok := v.balances[to]
	if !ok {
		bal = big.NewInt(0)
	}
	v.balances[to] = new(big.Int).Add(bal, shares)
}

func (v *Vault) burnLocked(from common.Address, shares *big.Int) error {
	bal, ok := v.balances[from]
	if !ok || bal.Cmp(shares) < 0 {
		return ErrInsufficientShares
	}
	v.balances[from] = new(big.Int).Sub(bal, shares)
	v.totalSupply = new(big.Int).Sub(v.totalSupply, shares)
	return nil
}

func (v *Vault) payOutLocked(to common.Address, amount *big.Int) {
	if v.transfer != nil && amount.Sign() > 0 {
		v.transfer(to, amount)
	}
}

// totalAssetsLocked is NAV: idle plus deployed, minus assets already owed
// to the withdrawal queues. The claimable pool is held outside NAV.
func (v *Vault) totalAssetsLocked(utilized *big.Int) *big.Int {
	total := new(big.Int).Add(v.idleAssets, cloneOrZero(utilized))
	total.Sub(total, new(big.Int).Sub(v.accRequested, v.processed))
	total.Sub(total, new(big.Int).Sub(v.prioAccRequested, v.prioProcessed))
	if total.Sign() < 0 {
		return big.NewInt(0)
	}
	return total
}

func (v *Vault) convertToSharesLocked(assets, utilized *big.Int) *big.Int {
	if v.totalSupply.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	total := v.totalAssetsLocked(utilized)
	if total.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDiv(assets, v.totalSupply, total)
}

func (v *Vault) convertToSharesUpLocked(assets, utilized *big.Int) *big.Int {
	if v.totalSupply.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	total := v.totalAssetsLocked(utilized)
	if total.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDivUp(assets, v.totalSupply, total)
}

func (v *Vault) convertToAssetsLocked(shares, utilized *big.Int) *big.Int {
	if v.totalSupply.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	return mulDiv(shares, v.totalAssetsLocked(utilized), v.totalSupply)
}

func (v *Vault) convertToAssetsUpLocked(shares, utilized *big.Int) *big.Int {
	if v.totalSupply.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	return mulDivUp(shares, v.totalAssetsLocked(utilized), v.totalSupply)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func mulDiv(a, b, denom *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, denom)
}

func mulDivUp(a, b, denom *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	out.Add(out, new(big.Int).Sub(denom, big.NewInt(1)))
	return out.Quo(out, denom)
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
