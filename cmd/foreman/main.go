package main

import "github.com/rowan/foreman/cmd/foreman/commands"

func main() {
	commands.Execute()
}
