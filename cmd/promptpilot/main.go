// Command promptpilot answers the prompts of interactive terminal programs.
package main

import (
	"os"

	"promptpilot/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
