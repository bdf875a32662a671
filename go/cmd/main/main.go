package main

import (
	"github.com/palmemu/poser/go/cmd"

	_ "github.com/palmemu/poser/go/cmd/console"
	_ "github.com/palmemu/poser/go/cmd/serve"
)

func main() { cmd.Main() }
