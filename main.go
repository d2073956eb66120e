package main

import "github.com/misterkun-io/mdproxy/cmd"

func main() {
	cmd.Execute()
}
