package main

import "github.com/dmitrijs2005/nucleus/internal/cli"

func main() {
	cli.Execute()
}
