package main

import (
	"fmt"
	"os"

	"github.com/oktsec/warden/cmd/warden/commands"
)

func main() {
	if err := commands.NewRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(commands.ExitCode(err))
	}
}
