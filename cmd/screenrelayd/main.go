package main

import "github.com/n0ot/screenrelay/cmd/screenrelayd/commands"

func main() {
	commands.Execute()
}
