// The main package for the insar-pipeline executable.
package main

import (
	"github.com/sentryal/insar-pipeline/cmd"
)

func main() {
	cmd.Execute()
}
