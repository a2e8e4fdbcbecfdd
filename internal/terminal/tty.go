// Package terminal answers questions about the process's output stream.
package terminal

import (
	"os"

	"github.com/mattn/go-isatty"
)

// IsTerminal reports whether f is an interactive terminal, including a
// Cygwin/MSYS pty on Windows.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
