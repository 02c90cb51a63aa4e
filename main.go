package main

import (
	"github.com/luma/respite/cmd"
)

func main() {
	cmd.Execute()
}
