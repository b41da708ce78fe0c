//go:build windows

package cli

import "os"

// Windows has no SIGWINCH; the terminal keeps its initial size.
func notifyResize(ch chan<- os.Signal) {}
