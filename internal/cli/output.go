package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/m-jawhar/conduit/internal/progress"
	"github.com/m-jawhar/conduit/internal/transfer"
)

func progressLine(name string, m progress.Milestone) string {
	line := fmt.Sprintf("%s %3d%%  %s / %s  %s",
		name, m.Percent,
		progress.FormatBytes(m.Stats.BytesDone), progress.FormatBytes(m.Stats.Total),
		progress.FormatRate(m.Stats.RateBps))
	if m.Stats.ETA > 0 && m.Percent < 100 {
		line += "  eta " + m.Stats.ETA.Round(time.Second).String()
	}
	return line
}

func negotiatedLine(name string, offset, size uint64, restarted bool) string {
	switch {
	case restarted:
		return fmt.Sprintf("%s: receiver asked for a restart, sending all %s", name, progress.FormatBytes(int64(size)))
	case offset > 0:
		return fmt.Sprintf("%s: resuming at %s of %s", name, progress.FormatBytes(int64(offset)), progress.FormatBytes(int64(size)))
	default:
		return fmt.Sprintf("%s: sending %s", name, progress.FormatBytes(int64(size)))
	}
}

func printResult(w io.Writer, res transfer.Result) {
	d := res.Descriptor
	elapsed := res.Duration.Round(time.Millisecond)
	switch res.State {
	case transfer.StateComplete:
		where := ""
		if res.Path != "" {
			where = " -> " + res.Path
		}
		fmt.Fprintf(w, "verified %s%s: %s this attempt in %s (checksum %s)\n",
			d.Name, where, progress.FormatBytes(int64(res.Transferred)), elapsed, d.Checksum)
	case transfer.StateMismatch:
		fmt.Fprintf(w, "checksum mismatch for %s after %s; the partial file was kept and the next attempt starts over\n",
			d.Name, elapsed)
	default:
		fmt.Fprintf(w, "transfer of %s stopped while %s after %s this attempt\n",
			displayName(d.Name), res.State, progress.FormatBytes(int64(res.Transferred)))
	}
}

func displayName(name string) string {
	if name == "" {
		return "(unnamed)"
	}
	return name
}
