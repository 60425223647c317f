package cmd

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// shouldShowProgress draws a live bar only when stdout is an actual
// terminal, never when piped or redirected to a file.
func shouldShowProgress() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// newPullProgressBar returns a bar describing how many commits a delivery
// has considered so far this cycle, or a no-op bar when stdout isn't a
// terminal (progressbar.DefaultSilent(-1) renders nothing but still
// accepts Add(1) calls safely).
func newPullProgressBar(delivery string) *progressbar.ProgressBar {
	if !shouldShowProgress() {
		return progressbar.DefaultSilent(-1)
	}
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(delivery),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
}
