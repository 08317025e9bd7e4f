package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// LiquidationRequest describes one liquidation or flash close while it executes.
type LiquidationRequest struct {
	ID         string          `json:"id"`
	User       common.Address  `json:"user"`
	Liquidator common.Address  `json:"liquidator"`
	Repay      decimal.Decimal `json:"repay"`
	Bonus      decimal.Decimal `json:"bonus"`
	Price      decimal.Decimal `json:"price"`
	Seized     decimal.Decimal `json:"seized"`
	FlashFee   decimal.Decimal `json:"flash_fee,omitempty"`
	// Residual base asset returned to the user (flash close) or kept by the
	// liquidator after repaying a flash loan (flash liquidation).
	Residual decimal.Decimal `json:"residual,omitempty"`
	Flash    bool            `json:"flash"`
}
