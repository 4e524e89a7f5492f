package main

import "github.com/nextlevelbuilder/taskpilot/cmd"

func main() {
	cmd.Execute()
}
