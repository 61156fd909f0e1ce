package main

import "toolproxy/cmd/toolproxy/cmd"

func main() {
	cmd.Execute()
}
