// mentorctl submits code to a codementor server and follows the analysis live.
package main

import (
	"os"

	"github.com/xiaot623/codementor/cmd/mentorctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
