package main

import (
	"fmt"
	"os"

	"github.com/Polqt/crdtcollab/cmd"
)

func main() {
	if err := cmd.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
