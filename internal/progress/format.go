package progress

import "fmt"

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
)

// FormatBytes renders n with a binary unit, e.g. "512 B", "1.50 MiB".
func FormatBytes(n int64) string {
	switch {
	case n < kib:
		return fmt.Sprintf("%d B", n)
	case n < mib:
		return fmt.Sprintf("%.2f KiB", float64(n)/kib)
	case n < gib:
		return fmt.Sprintf("%.2f MiB", float64(n)/mib)
	default:
		return fmt.Sprintf("%.2f GiB", float64(n)/gib)
	}
}

// FormatRate renders a bytes-per-second rate.
func FormatRate(bps float64) string {
	if bps <= 0 {
		return "-"
	}
	return FormatBytes(int64(bps)) + "/s"
}
