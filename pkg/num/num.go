// 文件: pkg/num/num.go
// 定点整数 - 所有价格/数量/比率/金额都用整数表示，全程禁止浮点
//
// 【精度约定】
// - WAD = 1e18: 价格、仓位数量、比率、USD 价值、资金费指数、LP 份额
// - 稳定币 (基础保证金) 使用原生精度 1e6，与 WAD 之间按 ×1e12 换算
//
// 【截断】
// 除法一律向零截断 (big.Int.Quo)，尘埃只会丢失，不会凭空产生
//
// 【溢出】
// 每次运算结果必须落在 int256 范围内，否则 panic(ErrOverflow)，
// 由 ledger.Exec 捕获并整体回滚事务

package num

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

const (
	// Decimals WAD 精度
	Decimals = 18

	// BaseDecimals 稳定币原生精度
	BaseDecimals = 6

	// 有符号 256 位: 绝对值最多 255 位
	maxBits = 255
)

var (
	ErrOverflow   = errors.New("num: int256 overflow")
	ErrDivByZero  = errors.New("num: division by zero")
	ErrBadDecimal = errors.New("num: invalid decimal string")
)

var (
	bigZero = new(big.Int)
	// 在变量初始化阶段建表，WAD/BaseScale 依赖它
	pow10 = func() (p [78]*big.Int) {
		p[0] = big.NewInt(1)
		for i := 1; i < len(p); i++ {
			p[i] = new(big.Int).Mul(p[i-1], big.NewInt(10))
		}
		return p
	}()
)

// Int 不可变的定点整数，零值即 0
//
// 所有运算返回新值，内部 *big.Int 从不被原地修改，
// 因此可以按值拷贝、放进 map、放进撤销日志
type Int struct {
	v *big.Int
}

var (
	Zero = Int{}
	One  = Int{v: big.NewInt(1)}
	// WAD 1e18
	WAD = Int{v: pow10[Decimals]}
	// BaseScale 稳定币原生精度 -> WAD 的倍数 (1e12)
	BaseScale = Int{v: pow10[Decimals-BaseDecimals]}
)

// =============================================================================
// 构造
// =============================================================================

// New 原始整数 (不缩放)
func New(x int64) Int {
	return Int{v: big.NewInt(x)}
}

// Wad x × 1e18
func Wad(x int64) Int {
	return checked(new(big.Int).Mul(big.NewInt(x), pow10[Decimals]))
}

// Pow10 10^n
func Pow10(n int) Int {
	return Int{v: pow10[n]}
}

// FromBig 拷贝一个 big.Int
func FromBig(b *big.Int) Int {
	if b == nil {
		return Zero
	}
	return checked(new(big.Int).Set(b))
}

// FromDecimal 把十进制数放大 10^decimals 后取整 (向零截断)
func FromDecimal(d decimal.Decimal, decimals int32) Int {
	return checked(d.Shift(decimals).BigInt())
}

// Parse 解析十进制字符串，例如 Parse("0.0035", 18)
func Parse(s string, decimals int32) (Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrBadDecimal, s)
	}
	return FromDecimal(d, decimals), nil
}

// MustParse 解析 WAD 字符串，失败 panic (用于常量和测试)
func MustParse(s string) Int {
	v, err := Parse(s, Decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// MustParseBase 解析稳定币金额 (1e6 精度)
func MustParseBase(s string) Int {
	v, err := Parse(s, BaseDecimals)
	if err != nil {
		panic(err)
	}
	return v
}

func checked(b *big.Int) Int {
	if b.BitLen() > maxBits {
		panic(ErrOverflow)
	}
	return Int{v: b}
}

func (a Int) b() *big.Int {
	if a.v == nil {
		return bigZero
	}
	return a.v
}

// =============================================================================
// 运算
// =============================================================================

func (a Int) Add(o Int) Int { return checked(new(big.Int).Add(a.b(), o.b())) }
func (a Int) Sub(o Int) Int { return checked(new(big.Int).Sub(a.b(), o.b())) }
func (a Int) Mul(o Int) Int { return checked(new(big.Int).Mul(a.b(), o.b())) }
func (a Int) Neg() Int { return Int{v: new(big.Int).Neg(a.b())} }
func (a Int) Abs() Int { return Int{v: new(big.Int).Abs(a.b())} }

// Quo 向零截断的除法
func (a Int) Quo(o Int) Int {
	if o.Sign() == 0 {
		panic(ErrDivByZero)
	}
	return Int{v: new(big.Int).Quo(a.b(), o.b())}
}

// MulDiv a × m / d，只截断一次
func (a Int) MulDiv(m, d Int) Int {
	if d.Sign() == 0 {
		panic(ErrDivByZero)
	}
	p := new(big.Int).Mul(a.b(), m.b())
	return checked(p.Quo(p, d.b()))
}

// WMul a × o / 1e18
func (a Int) WMul(o Int) Int { return a.MulDiv(o, WAD) }

// WDiv a × 1e18 / o
func (a Int) WDiv(o Int) Int { return a.MulDiv(WAD, o) }

// =============================================================================
// 比较
// =============================================================================

func (a Int) Sign() int { return a.b().Sign() }
func (a Int) Cmp(o Int) int { return a.b().Cmp(o.b()) }
func (a Int) Eq(o Int) bool { return a.Cmp(o) == 0 }
func (a Int) Lt(o Int) bool { return a.Cmp(o) < 0 }
func (a Int) Lte(o Int) bool { return a.Cmp(o) <= 0 }
func (a Int) Gt(o Int) bool { return a.Cmp(o) > 0 }
func (a Int) Gte(o Int) bool { return a.Cmp(o) >= 0 }
func (a Int) IsZero() bool { return a.Sign() == 0 }
func (a Int) IsPos() bool { return a.Sign() > 0 }
func (a Int) IsNeg() bool { return a.Sign() < 0 }
func (a Int) Big() *big.Int { return new(big.Int).Set(a.b()) }
func (a Int) String() string { return a.b().String() }
func (a Int) Int64() int64 { return a.b().Int64() }
func (a Int) IsInt64() bool { return a.b().IsInt64() }
func (a Int) SameSign(o Int) bool { return a.Sign() == o.Sign() }

func Min(a, b Int) Int {
	if a.Lt(b) {
		return a
	}
	return b
}

func Max(a, b Int) Int {
	if a.Gt(b) {
		return a
	}
	return b
}

// Clamp 把 x 限制在 [lo, hi]
func Clamp(x, lo, hi Int) Int {
	return Min(Max(x, lo), hi)
}

// =============================================================================
// 精度换算
// =============================================================================

// ToWad 稳定币原生金额 -> WAD (×1e12，精确)
func ToWad(native Int) Int {
	return native.Mul(BaseScale)
}

// ToNative WAD -> 稳定币原生金额 (÷1e12，向零截断)
func ToNative(wad Int) Int {
	return wad.Quo(BaseScale)
}

// ScaleToWad 任意精度代币数量 -> WAD
func ScaleToWad(amount Int, decimals uint8) Int {
	switch {
	case decimals == Decimals:
		return amount
	case decimals < Decimals:
		return amount.Mul(Pow10(Decimals - int(decimals)))
	default:
		return amount.Quo(Pow10(int(decimals) - Decimals))
	}
}

// ScaleFromWad WAD -> 任意精度代币数量 (向零截断)
func ScaleFromWad(wad Int, decimals uint8) Int {
	switch {
	case decimals == Decimals:
		return wad
	case decimals < Decimals:
		return wad.Quo(Pow10(Decimals - int(decimals)))
	default:
		return wad.Mul(Pow10(int(decimals) - Decimals))
	}
}

// Decimal 按给定精度转成十进制，仅用于展示和日志
func (a Int) Decimal(decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(a.b(), -decimals)
}

// =============================================================================
// 序列化 (JSON 用字符串，避免 JS 精度丢失；DB 用 varchar)
// =============================================================================

func (a Int) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

func (a *Int) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*a = Zero
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("%w: %q", ErrBadDecimal, s)
	}
	*a = Int{v: b}
	return nil
}

// Value 实现 driver.Valuer
func (a Int) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan 实现 sql.Scanner
func (a *Int) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*a = Zero
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	case int64:
		*a = New(v)
		return nil
	default:
		return fmt.Errorf("num: cannot scan %T", src)
	}
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("%w: %q", ErrBadDecimal, s)
	}
	*a = Int{v: b}
	return nil
}
