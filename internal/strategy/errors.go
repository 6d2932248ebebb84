package strategy

import "errors"

var (
	ErrStrategyPaused             = errors.New("strategy is paused")
	ErrStrategyStopped            = errors.New("strategy is stopped")
	ErrStatusNotIdle              = errors.New("strategy status is not idle")
	ErrAlreadyPending             = errors.New("an adjustment is already pending")
	ErrZeroAmountUtilization      = errors.New("zero amount utilization")
	ErrInsufficientProductBalance = errors.New("insufficient product balance for deutilize")
	ErrInvalidCallback            = errors.New("settlement callback does not match issued intent")
)
