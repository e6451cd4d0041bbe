// Package main is the pgbackrest command-line entry point.
package main

import (
	"fmt"
	"os"

	"github.com/pgbackrest-go/pgbackrest/command"
	"github.com/pgbackrest-go/pgbackrest/pgerr"
)

func main() {
	if err := command.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		if pgErr, ok := err.(*pgerr.Error); ok {
			os.Exit(pgErr.Code())
		}
		os.Exit(1)
	}
}
