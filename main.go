package main

import "github.com/cursorbot/cursorbot/cmd"

func main() {
	cmd.Execute()
}
