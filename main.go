package main

import "github.com/Lalalavicious/discord-bot/cmd"

func main() {
	cmd.Execute()
}
