package main

import "github.com/kforge-dev/kforge/cmd/kforge/commands"

func main() {
	commands.Execute()
}
