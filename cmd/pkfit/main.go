// Command pkfit fits one-compartment population pharmacokinetic models
// to concentration-time data.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pkfit:", err)
		os.Exit(1)
	}
}
