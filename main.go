// The main package for the pricehound executable.
package main

import (
	"github.com/pricehound/pricehound/cmd"
)

func main() {
	cmd.Execute()
}
