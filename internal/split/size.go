package split

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const metadataOnlyText = "negligible - metadata only"

var sizeUnits = map[byte]uint64{
	'K': 1000,
	'M': 1000 * 1000,
	'G': 1000 * 1000 * 1000,
}

// ParseSize parses a threshold such as "512M" into bytes. Units are decimal:
// K, M and G multiply by 1e3, 1e6 and 1e9. A bare number is taken as bytes.
func ParseSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty size", ErrInvalidSizeFormat)
	}
	num, mult := s, uint64(1)
	if m, ok := sizeUnits[s[len(s)-1]]; ok {
		num, mult = s[:len(s)-1], m
	} else if strings.TrimLeft(s, "0123456789") != "" {
		return 0, fmt.Errorf("%w: %q, must be a number, optionally followed by K, M, or G", ErrInvalidSizeFormat, s)
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q, must be a number, optionally followed by K, M, or G", ErrInvalidSizeFormat, s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %q, must be positive", ErrInvalidSizeValue, s)
	}
	if uint64(n) > math.MaxUint64/mult {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidSizeFormat, s)
	}
	return uint64(n) * mult, nil
}

// FormatBytes renders n with one decimal in the largest unit below 1000.
func FormatBytes(n uint64) string {
	f := float64(n)
	for _, unit := range []string{"", "K", "M", "G"} {
		if f < 1000.0 {
			return fmt.Sprintf("%3.1f%s", f, unit)
		}
		f /= 1000.0
	}
	return fmt.Sprintf("%.1fT - over 1TB, --split recommended", f)
}

// ShardSize is either a byte count or the metadata-only marker of a shard
// that holds no tensors.
type ShardSize struct {
	n            uint64
	metadataOnly bool
}

// MetadataOnly is the size of a shard without tensors.
var MetadataOnly = ShardSize{metadataOnly: true}

func SizeOf(n uint64) ShardSize { return ShardSize{n: n} }

func (s ShardSize) IsMetadataOnly() bool { return s.metadataOnly }

// Bytes is the byte count; zero for a metadata-only shard.
func (s ShardSize) Bytes() uint64 {
	if s.metadataOnly {
		return 0
	}
	return s.n
}

func (s ShardSize) Add(n uint64) ShardSize { return SizeOf(s.Bytes() + n) }

func (s ShardSize) String() string {
	if s.metadataOnly {
		return metadataOnlyText
	}
	return FormatBytes(s.n)
}
