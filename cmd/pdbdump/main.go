// pdbdump is a CLI tool for extracting debug information from Microsoft PDB files.
package main

import (
	"fmt"
	"os"

	"github.com/jtang613/pdbdbi/cmd/pdbdump/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
