package main

import (
	"github.com/dszqbsm/policedata/cmd"
)

func main() {
	cmd.Execute()
}
