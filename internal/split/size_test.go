package split

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr error
	}{
		{in: "2G", want: 2_000_000_000},
		{in: "512M", want: 512_000_000},
		{in: "10K", want: 10_000},
		{in: "4096", want: 4096},
		{in: "1.5", wantErr: ErrInvalidSizeFormat},
		{in: "1.5G", wantErr: ErrInvalidSizeFormat},
		{in: "", wantErr: ErrInvalidSizeFormat},
		{in: "M", wantErr: ErrInvalidSizeFormat},
		{in: "12X", wantErr: ErrInvalidSizeFormat},
		{in: "5m", wantErr: ErrInvalidSizeFormat},
		{in: "-5", wantErr: ErrInvalidSizeFormat},
		{in: "99999999999999999999", wantErr: ErrInvalidSizeFormat},
		{in: "99999999999G", wantErr: ErrInvalidSizeFormat},
		{in: "0M", wantErr: ErrInvalidSizeValue},
		{in: "0", wantErr: ErrInvalidSizeValue},
		{in: "-5M", wantErr: ErrInvalidSizeValue},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0.0"},
		{999, "999.0"},
		{1000, "1.0K"},
		{1500, "1.5K"},
		{2_500_000, "2.5M"},
		{2_500_000_000, "2.5G"},
		{1_500_000_000_000, "1.5T - over 1TB, --split recommended"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in), "FormatBytes(%d)", tt.in)
	}
}

func TestShardSize(t *testing.T) {
	assert.Equal(t, "negligible - metadata only", MetadataOnly.String())
	assert.True(t, MetadataOnly.IsMetadataOnly())
	assert.Zero(t, MetadataOnly.Bytes())

	s := MetadataOnly.Add(1000)
	assert.False(t, s.IsMetadataOnly())
	assert.Equal(t, uint64(1000), s.Bytes())
	assert.Equal(t, "1.0K", s.String())
}

func TestNewArguments(t *testing.T) {
	a, err := NewArguments(Options{})
	require.NoError(t, err)
	assert.Equal(t, PolicyNone, a.Policy)

	a, err = NewArguments(Options{SplitMaxSize: "1K"})
	require.NoError(t, err)
	assert.Equal(t, PolicySize, a.Policy)
	assert.Equal(t, uint64(1000), a.MaxSize)

	a, err = NewArguments(Options{SplitMaxTensors: 3, SplitMaxSize: "1K"})
	require.NoError(t, err)
	assert.Equal(t, PolicyTensors, a.Policy)
	assert.True(t, a.Conflicting())

	_, err = NewArguments(Options{SplitMaxSize: "0G"})
	require.ErrorIs(t, err, ErrInvalidSizeValue)

	_, err = NewArguments(Options{SplitMaxTensors: -1})
	require.Error(t, err)
}
