package main

import "github.com/nextlevelbuilder/agentfleet/cmd"

func main() {
	cmd.Execute()
}
