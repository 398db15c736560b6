// mq drains batches of pull requests through CI and into the default branch.
package main

import (
	"os"

	"github.com/xcawolfe-amzn/mergequeue/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
