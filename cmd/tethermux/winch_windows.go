package main

type resizer interface {
	Resize(cols, rows int) error
}

// watchResize is a no-op: the console has no SIGWINCH.
func watchResize(resizer) func() { return func() {} }
