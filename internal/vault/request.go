package vault

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// WithdrawRequest is one entry in the FIFO withdrawal ledger. The request is
// claimable once its ledger's processed watermark reaches
// AccRequestedWithdrawAssets, the cumulative total at creation time.
type WithdrawRequest struct {
	Owner                      common.Address
	Receiver                   common.Address
	RequestedAssets            *big.Int
	AccRequestedWithdrawAssets *big.Int
	RequestTimestamp           time.Time
	IsPrioritized              bool
	IsClaimed                  bool
}

// requestKey derives a stable identifier from the owner and a per-owner
// nonce, mirroring how the requests are addressed externally.
func requestKey(owner common.Address, nonce uint64) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return crypto.Keccak256Hash(owner.Bytes(), buf[:])
}
