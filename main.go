package main

import "github.com/accessprobe/scand/cmd"

func main() {
	cmd.Execute()
}
