package extract

import (
	"fmt"
	"math"

	"themeplane/model"
)

// ToHex converts a normalized RGB color to "#rrggbb". Channels are
// truncated, not rounded: 0.5 maps to 0x7f.
func ToHex(c model.Color) string {
	return fmt.Sprintf("#%02x%02x%02x", channel(c.R), channel(c.G), channel(c.B))
}

func channel(v float64) int {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return int(math.Floor(v * 255))
}
