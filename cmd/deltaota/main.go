package main

import (
	"github.com/fly-io/deltaota/cmd/deltaota/commands"
)

func main() {
	commands.Execute()
}
