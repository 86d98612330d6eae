package main

import (
	"github.com/carrotproxy/daedalus/internal/cmd"
)

func main() {
	cmd.Main()
}
