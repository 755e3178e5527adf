package main

import "github.com/bryanchriswhite/PageStreamer/cmd/pagestreamer/commands"

func main() {
	commands.Execute()
}
