// 文件: pkg/futures/errors.go
// 错误定义
//
// 【分类】
// - 校验错误: 参数非法、代币/资产不支持、价格过期或偏离
// - 经济限制: 杠杆超限、软/硬持仓上限、保证金不足、LP 可用流动性不足
// - 软失败: 订单执行时校验不过 -> Failed，不是错误返回
// 返回任何错误都意味着事务整体回滚

package futures

import "errors"

var (
	// 校验
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidSize        = errors.New("order size must be non-zero")
	ErrInvalidPrice       = errors.New("acceptable price must be positive")
	ErrInvalidExpiry      = errors.New("expiry earlier than minimum order delay")
	ErrInvalidAccount     = errors.New("invalid account")
	ErrKeeperFeeTooLow    = errors.New("keeper fee below minimum")
	ErrUnsupportedToken   = errors.New("unsupported collateral token")
	ErrUnsupportedAsset   = errors.New("unsupported market asset")
	ErrTokenExists        = errors.New("collateral token already registered")
	ErrAssetExists        = errors.New("market asset already listed")
	ErrInvalidToken       = errors.New("invalid collateral token config")
	ErrOpenInterest       = errors.New("asset still has open interest")
	ErrPriceUpdateBlocked = errors.New("price feed does not accept updates")

	// 经济限制
	ErrCapExceeded               = errors.New("collateral cap exceeded")
	ErrInsufficientBalance       = errors.New("insufficient balance")
	ErrInsufficientMargin        = errors.New("insufficient margin")
	ErrLeverageTooHigh           = errors.New("leverage too high")
	ErrSoftLimitExceeded         = errors.New("open interest soft limit exceeded")
	ErrHardLimitExceeded         = errors.New("open interest hard limit exceeded")
	ErrInvalidReduceOnly         = errors.New("reduce-only order would increase or flip position")
	ErrInsufficientFreeLiquidity = errors.New("insufficient free liquidity")
	ErrSlippage                  = errors.New("slippage bound violated")
	ErrInsufficientShares        = errors.New("insufficient lp shares")
	ErrEmptyPool                 = errors.New("lp pool has no value")

	// 订单
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderNotPending    = errors.New("order not pending")
	ErrOrderNotReady      = errors.New("order minimum delay not elapsed")
	ErrOrderExpired       = errors.New("order expired")
	ErrOrderNotExpired    = errors.New("order not yet expired")
	ErrNotOrderOwner      = errors.New("caller is not the order owner")
	ErrPriceBoundViolated = errors.New("price outside acceptable bound")

	// 清算
	ErrNoPosition             = errors.New("no open position")
	ErrNotLiquidatable        = errors.New("account not liquidatable")
	ErrNoDebt                 = errors.New("account has no debt")
	ErrLiquidationExceedsDebt = errors.New("liquidation amount exceeds debt")
	ErrOverSeizure            = errors.New("seized amount exceeds collateral balance")
)
