package amount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/freemell/merlintg/internal/errors"
)

func TestParseForms(t *testing.T) {
	spec, err := Parse(" ALL ")
	require.NoError(t, err)
	assert.Equal(t, KindAll, spec.Kind)

	spec, err = Parse("50%")
	require.NoError(t, err)
	assert.Equal(t, KindPercent, spec.Kind)
	assert.Equal(t, uint64(5000), spec.Bps)

	spec, err = Parse(".5")
	require.NoError(t, err)
	assert.Equal(t, Spec{Kind: KindLiteral, Literal: "0.5"}, spec)

	for _, bad := range []string{"", "abc", "-1", "0", "0.000", "1.2.3", "150%", "0%"} {
		_, err := Parse(bad)
		assert.Truef(t, xerrors.HasCode(err, xerrors.CodeValidationFailed), "input %q", bad)
	}
}

func TestToBaseUnitsIsExact(t *testing.T) {
	units, err := ToBaseUnits("0.5", 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000_000), units)

	units, err = ToBaseUnits("1.10", 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_100_000), units)

	_, err = ToBaseUnits("0.0000000001", 9)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeValidationFailed))

	_, err = ToBaseUnits("99999999999999999999", 9)
	assert.Error(t, err)
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "0.5", FormatUnits(500_000_000, 9))
	assert.Equal(t, "12", FormatUnits(12_000_000, 6))
	assert.Equal(t, "0.000005", FormatUnits(5000, 9))
	assert.Equal(t, "7", FormatUnits(7, 0))
	assert.Equal(t, "1.2345", FormatFixed(1_234_567_890, 9, 4))
	assert.Equal(t, "0.0000", FormatFixed(0, 9, 4))
}

func TestPercentOfBalance(t *testing.T) {
	assert.Equal(t, uint64(5), Percent(10, 5000))
	assert.Equal(t, uint64(3), Percent(10, 3333))
	assert.Equal(t, uint64(18446744073709551615), Percent(18446744073709551615, FullPercent))
}

func TestResolveAllSubtractsReserve(t *testing.T) {
	units, err := Resolve(Spec{Kind: KindAll}, 9, 1_000_000_000, 5000)
	require.NoError(t, err)
	assert.Equal(t, uint64(999_995_000), units)

	_, err = Resolve(Spec{Kind: KindAll}, 9, 4000, 5000)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeValidationFailed))

	_, err = Resolve(Spec{Kind: KindAll}, 9, 5000, 5000)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeValidationFailed))
}

func TestResolvePercentAndLiteral(t *testing.T) {
	units, err := Resolve(Spec{Kind: KindPercent, Bps: 5000}, 6, 10_000_000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000), units)

	units, err = Resolve(Spec{Kind: KindLiteral, Literal: "0.5"}, 9, 0, 5000)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000_000), units)
}
