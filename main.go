package main

import "github.com/tanq16/hlsplay/cmd"

func main() {
	cmd.Execute()
}
