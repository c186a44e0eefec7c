package conv

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToUint32(t *testing.T) {
	tests := []struct {
		name    string
		input   int64
		want    uint32
		wantErr bool
	}{
		{"zero", 0, 0, false},
		{"positive", 1024, 1024, false},
		{"max", math.MaxUint32, math.MaxUint32, false},
		{"negative", -1, 0, true},
		{"too large", math.MaxUint32 + 1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToUint32(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToInt32(t *testing.T) {
	got, err := ToInt32(uint64(32768))
	require.NoError(t, err)
	assert.Equal(t, int32(32768), got)

	got, err = ToInt32(int64(-5))
	require.NoError(t, err)
	assert.Equal(t, int32(-5), got)

	_, err = ToInt32(uint64(math.MaxInt32) + 1)
	assert.Error(t, err)

	_, err = ToInt32(int64(math.MinInt32) - 1)
	assert.Error(t, err)
}

func TestToInt(t *testing.T) {
	got, err := ToInt(uint32(7))
	require.NoError(t, err)
	assert.Equal(t, 7, got)

	_, err = ToInt(uint64(math.MaxUint64))
	assert.Error(t, err)
}
