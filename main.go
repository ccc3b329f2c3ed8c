package main

import "github.com/Nomadcxx/floyd-bridge/cmd"

func main() {
	cmd.Execute()
}
