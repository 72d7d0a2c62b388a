// The main package for the autoapply executable.
package main

import (
	"github.com/JakeFAU/autoapply/cmd"
)

func main() {
	cmd.Execute()
}
