package main

import "github.com/sasehq/sase-chop-telegram/cmd"

func main() {
	cmd.Execute()
}
