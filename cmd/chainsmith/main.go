package main

import "github.com/tmarkovic/chainsmith/cmd/chainsmith/cmd"

func main() {
	cmd.Execute()
}
