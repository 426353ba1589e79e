// Package amount converts user-supplied amounts into integer base units.
// All arithmetic is done on integers so that "all" and percentage amounts
// never drift through floating point rounding.
package amount

import (
	"fmt"
	"math/big"
	"strings"

	xerrors "github.com/freemell/merlintg/internal/errors"
)

// Kind 区分金额的三种写法。
type Kind int

const (
	KindLiteral Kind = iota
	KindAll
	KindPercent
)

// FullPercent 表示 100%，百分比以万分之一为单位保存。
const FullPercent uint64 = 10_000

// Spec 是解析后的金额描述。
type Spec struct {
	Kind    Kind
	Literal string
	// Bps 为百分比的万分之一表示，50% 即 5000。
	Bps uint64
}

func (s Spec) String() string {
	switch s.Kind {
	case KindAll:
		return "all"
	case KindPercent:
		return FormatUnits(s.Bps, 2) + "%"
	default:
		return s.Literal
	}
}

// Parse 解析金额参数：十进制数、"all" 或以 % 结尾的百分比。
func Parse(raw string) (Spec, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case value == "":
		return Spec{}, invalid("amount is empty", "Send a number such as 0.5, a percentage such as 50%, or \"all\".")
	case value == "all" || value == "max":
		return Spec{Kind: KindAll}, nil
	case strings.HasSuffix(value, "%"):
		bps, err := ParsePercent(strings.TrimSuffix(value, "%"))
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: KindPercent, Bps: bps}, nil
	}

	literal, err := normalizeDecimal(value)
	if err != nil {
		return Spec{}, err
	}
	if isZero(literal) {
		return Spec{}, invalid("amount must be greater than zero", "Send a positive amount.")
	}
	return Spec{Kind: KindLiteral, Literal: literal}, nil
}

// ParsePercent 解析 (0,100] 区间内的百分比，最多保留两位小数。
func ParsePercent(raw string) (uint64, error) {
	value := strings.TrimSuffix(strings.TrimSpace(raw), "%")
	literal, err := normalizeDecimal(value)
	if err != nil {
		return 0, err
	}
	bps, err := ToBaseUnits(literal, 2)
	if err != nil {
		return 0, invalid(fmt.Sprintf("percentage %q has too many decimal places", raw), "Use at most two decimal places, e.g. 12.5%.")
	}
	if bps == 0 || bps > FullPercent {
		return 0, invalid(fmt.Sprintf("percentage %s is outside (0, 100]", raw), "Choose a percentage between 0 and 100.")
	}
	return bps, nil
}

// ToBaseUnits 将十进制数转换为指定精度的整数基本单位，超出精度的小数位会被拒绝。
func ToBaseUnits(literal string, decimals uint8) (uint64, error) {
	literal, err := normalizeDecimal(literal)
	if err != nil {
		return 0, err
	}
	whole, frac, _ := strings.Cut(literal, ".")
	frac = strings.TrimRight(frac, "0")
	if len(frac) > int(decimals) {
		return 0, invalid(
			fmt.Sprintf("amount %s has more than %d decimal places", literal, decimals),
			fmt.Sprintf("Use at most %d decimal places.", decimals),
		)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return 0, invalid(fmt.Sprintf("amount %s is not a number", literal), "")
	}
	if !units.IsUint64() {
		return 0, invalid(fmt.Sprintf("amount %s is too large", literal), "")
	}
	return units.Uint64(), nil
}

// FormatUnits 将基本单位格式化为去除尾随零的十进制字符串。
func FormatUnits(units uint64, decimals uint8) string {
	digits := fmt.Sprintf("%0*d", int(decimals)+1, units)
	if decimals == 0 {
		return digits
	}
	cut := len(digits) - int(decimals)
	whole, frac := digits[:cut], strings.TrimRight(digits[cut:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// FormatFixed 以固定小数位数格式化基本单位，多余位数向下截断。
func FormatFixed(units uint64, decimals, places uint8) string {
	if places >= decimals {
		places = decimals
	}
	digits := fmt.Sprintf("%0*d", int(decimals)+1, units)
	cut := len(digits) - int(decimals)
	if places == 0 {
		return digits[:cut]
	}
	return digits[:cut] + "." + digits[cut:cut+int(places)]
}

// Percent 返回 balance × bps / 10000，向下取整。
func Percent(balance, bps uint64) uint64 {
	product := new(big.Int).Mul(new(big.Int).SetUint64(balance), new(big.Int).SetUint64(bps))
	return product.Quo(product, new(big.Int).SetUint64(FullPercent)).Uint64()
}

// Resolve 将金额描述落到具体的基本单位数量。
// balance 为当前可用余额，reserve 为 "all" 时需要预留的手续费。
func Resolve(spec Spec, decimals uint8, balance, reserve uint64) (uint64, error) {
	switch spec.Kind {
	case KindAll:
		if balance <= reserve {
			return 0, invalid(
				fmt.Sprintf("balance %s is not enough to cover the fee reserve of %s", FormatUnits(balance, decimals), FormatUnits(reserve, decimals)),
				"Top up your wallet before sending everything.",
			)
		}
		return balance - reserve, nil
	case KindPercent:
		units := Percent(balance, spec.Bps)
		if units == 0 {
			return 0, invalid(fmt.Sprintf("%s of your balance is zero", spec), "Top up your wallet or choose a larger percentage.")
		}
		return units, nil
	default:
		units, err := ToBaseUnits(spec.Literal, decimals)
		if err != nil {
			return 0, err
		}
		if units == 0 {
			return 0, invalid("amount must be greater than zero", "Send a positive amount.")
		}
		return units, nil
	}
}

func normalizeDecimal(raw string) (string, error) {
	value := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if strings.HasPrefix(value, ".") {
		value = "0" + value
	}
	value = strings.TrimSuffix(value, ".")
	if value == "" {
		return "", invalid("amount is empty", "")
	}
	dot := false
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && !dot:
			dot = true
		default:
			return "", invalid(fmt.Sprintf("%q is not a valid amount", raw), "Send a number such as 0.5.")
		}
	}
	return value, nil
}

func isZero(literal string) bool {
	return strings.Trim(literal, "0.") == ""
}

func invalid(message, suggestion string) error {
	if suggestion == "" {
		return xerrors.New(xerrors.CodeValidationFailed, message)
	}
	return xerrors.New(xerrors.CodeValidationFailed, message, xerrors.WithSuggestion(suggestion))
}
