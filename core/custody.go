package core

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// StrategyCatalog resolves which yield strategies a campaign may adopt.
type StrategyCatalog interface {
	Lookup(id common.Hash) (StrategyInfo, error)
}

// AssetCustody moves value out of the account it is bound to. A false result is a failed transfer.
// TransferBatch applies every transfer or none of them.
type AssetCustody interface {
	BalanceOf(ctx context.Context, asset common.Address) (*uint256.Int, error)
	Transfer(ctx context.Context, asset common.Address, to common.Address, amount *uint256.Int) (bool, error)
	TransferBatch(ctx context.Context, asset common.Address, transfers []Transfer) error
}

type Transfer struct {
	To     common.Address
	Amount *uint256.Int
}

// YieldSource harvests the yield a vault generated since the previous harvest.
type YieldSource interface {
	Harvest(ctx context.Context, vault common.Address) (asset common.Address, amount *uint256.Int, err error)
}

var _ StrategyCatalog = (*MemoryCatalog)(nil)

type MemoryCatalog struct {
	mu         sync.RWMutex
	strategies map[common.Hash]StrategyInfo
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{strategies: make(map[common.Hash]StrategyInfo)}
}

func (mc *MemoryCatalog) Put(id common.Hash, name string, status StrategyStatus) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.strategies[id] = StrategyInfo{ID: id, Exists: true, Status: status, Name: name}
}

func (mc *MemoryCatalog) Lookup(id common.Hash) (StrategyInfo, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	info, ok := mc.strategies[id]
	if !ok {
		return StrategyInfo{ID: id}, nil
	}
	return info, nil
}

// MemoryBank keeps per account asset balances and the yield each vault accrued but has not harvested yet.
type MemoryBank struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*uint256.Int
	accrued  map[common.Address]accrual
}

type accrual struct {
	asset  common.Address
	amount *uint256.Int
}

func NewMemoryBank() *MemoryBank {
	return &MemoryBank{
		balances: make(map[common.Address]map[common.Address]*uint256.Int),
		accrued:  make(map[common.Address]accrual),
	}
}

func (b *MemoryBank) Mint(asset, account common.Address, amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(asset, account, amount)
}

func (b *MemoryBank) Balance(asset, account common.Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneAmount(b.balances[asset][account])
}

// Accrue records yield generated by a vault. Yield of a different asset replaces the pending accrual.
func (b *MemoryBank) Accrue(vault, asset common.Address, amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.accrued[vault]
	if ok && prev.asset == asset {
		b.accrued[vault] = accrual{asset: asset, amount: new(uint256.Int).Add(prev.amount, amount)}
		return
	}
	b.accrued[vault] = accrual{asset: asset, amount: cloneAmount(amount)}
}

// Custody returns the AssetCustody view of one account.
func (b *MemoryBank) Custody(holder common.Address) AssetCustody {
	return &bankAccount{bank: b, holder: holder}
}

// YieldSource returns a YieldSource that pays harvested yield into recipient.
func (b *MemoryBank) YieldSource(recipient common.Address) YieldSource {
	return &bankYield{bank: b, recipient: recipient}
}

func (b *MemoryBank) credit(asset, account common.Address, amount *uint256.Int) {
	if b.balances[asset] == nil {
		b.balances[asset] = make(map[common.Address]*uint256.Int)
	}
	bal := cloneAmount(b.balances[asset][account])
	b.balances[asset][account] = bal.Add(bal, amount)
}

type bankAccount struct {
	bank   *MemoryBank
	holder common.Address
}

func (a *bankAccount) BalanceOf(_ context.Context, asset common.Address) (*uint256.Int, error) {
	return a.bank.Balance(asset, a.holder), nil
}

func (a *bankAccount) Transfer(ctx context.Context, asset common.Address, to common.Address, amount *uint256.Int) (bool, error) {
	if err := a.TransferBatch(ctx, asset, []Transfer{{To: to, Amount: amount}}); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *bankAccount) TransferBatch(_ context.Context, asset common.Address, transfers []Transfer) error {
	total := new(uint256.Int)
	for _, t := range transfers {
		if t.To == (common.Address{}) {
			return errors.Wrapf(ErrZeroAddress, "transfer of %s", asset.Hex())
		}
		if isZero(t.Amount) {
			continue
		}
		if _, overflow := total.AddOverflow(total, t.Amount); overflow {
			return errors.Wrap(ErrArithmeticOverflow, "batch total")
		}
	}
	if total.IsZero() {
		return nil
	}

	b := a.bank
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := cloneAmount(b.balances[asset][a.holder])
	if bal.Lt(total) {
		return errors.Wrapf(ErrInsufficientBalance, "%s holds %s of %s, batch needs %s", a.holder.Hex(), bal.Dec(), asset.Hex(), total.Dec())
	}
	b.balances[asset][a.holder] = bal.Sub(bal, total)
	for _, t := range transfers {
		if !isZero(t.Amount) {
			b.credit(asset, t.To, t.Amount)
		}
	}
	return nil
}

type bankYield struct {
	bank      *MemoryBank
	recipient common.Address
}

func (y *bankYield) Harvest(_ context.Context, vault common.Address) (common.Address, *uint256.Int, error) {
	b := y.bank
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accrued[vault]
	if !ok {
		return common.Address{}, new(uint256.Int), nil
	}
	delete(b.accrued, vault)
	b.credit(acc.asset, y.recipient, acc.amount)
	return acc.asset, cloneAmount(acc.amount), nil
}
