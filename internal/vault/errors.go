package vault

import "errors"

var (
	ErrZeroShares           = errors.New("deposit would mint zero shares")
	ErrZeroAmount           = errors.New("zero amount")
	ErrZeroAddress          = errors.New("zero address")
	ErrVaultPaused          = errors.New("vault is paused")
	ErrVaultShutdown        = errors.New("vault is shut down")
	ErrInsufficientShares   = errors.New("insufficient share balance")
	ErrInsufficientIdle     = errors.New("insufficient idle assets")
	ErrRequestNotFound      = errors.New("withdraw request not found")
	ErrRequestNotExecuted   = errors.New("withdraw request not executed")
	ErrRequestAlreadyClaimed = errors.New("withdraw request already claimed")
	ErrUnauthorizedClaimer  = errors.New("caller is neither owner nor receiver of the request")
)
