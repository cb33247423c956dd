package core

import (
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func TestParsePercent(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"1", 1_000, false},
		{"2.5", 2_500, false},
		{"0.001", 1, false},
		{"0.01", 10, false},
		{"100", 100_000, false},
		{"0", 0, false},
		{"0.0005", 0, true},
		{"100.001", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePercent(tt.in)
			if tt.wantErr {
				check.Error(t, err)
				return
			}
			assert.NoError(t, err)
			check.Equal(t, tt.want, got)
		})
	}
}

func TestFormatPercent(t *testing.T) {
	check.Equal(t, "2.5", FormatPercent(2_500))
	check.Equal(t, "100", FormatPercent(OneHundredPercent))
	check.Equal(t, "0.001", FormatPercent(1))
}

func TestParseUnits(t *testing.T) {
	got, err := ParseUnits("1.5", 6)
	assert.NoError(t, err)
	check.Equal(t, u(1_500_000), got)

	got, err = ParseUnits("19", 18)
	assert.NoError(t, err)
	check.Equal(t, e18(19), got)

	_, err = ParseUnits("0.0000001", 6)
	check.Error(t, err)

	_, err = ParseUnits("-1", 6)
	check.Error(t, err)
}

func TestFormatUnits(t *testing.T) {
	v := mustDec("9500000000000000000")
	check.Equal(t, "9.5", FormatUnits(&v, 18))

	small := u(1)
	check.Equal(t, "0.000001", FormatUnits(&small, 6))
}
