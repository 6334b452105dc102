// Command permd relays Claude Code permission prompts to Slack while the user
// is away from the keyboard.
package main

import (
	"fmt"
	"os"

	"github.com/Dicklesworthstone/permd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
