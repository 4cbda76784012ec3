package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		code := exitCodeFor(err)
		if code != 0 {
			fmt.Fprintln(os.Stderr, "jimi:", err)
		}
		os.Exit(code)
	}
}
