package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the patchbay banner to w, colored for the terminal
// profile of w.
func PrintBanner(w io.Writer, version string) {
	out := termenv.NewOutput(w)
	lines := []struct {
		text  string
		color string
	}{
		{"                _       _     _", "#818cf8"},
		{"  _ __   __ _ | |_ ___| |__ | |__   __ _ _   _", "#a78bfa"},
		{" | '_ \\ / _` || __/ __| '_ \\| '_ \\ / _` | | | |", "#c084fc"},
		{" | |_) | (_| || || (__| | | | |_) | (_| | |_| |", "#e879f9"},
		{" | .__/ \\__,_| \\__\\___|_| |_|_.__/ \\__,_|\\__, |", "#f472b6"},
		{" |_|                                      |___/", "#fb7185"},
	}
	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, out.String(l.text).Foreground(out.Color(l.color)))
	}
	if version != "" {
		fmt.Fprintln(w, out.String(" "+version).Faint())
	}
	fmt.Fprintln(w)
}
