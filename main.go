package main

import "github.com/kiesman99/gapstitch/cmd"

func main() {
	cmd.Execute()
}
