package main

import "southwinds.dev/sealkv/cli/cmd"

func main() {
	cmd.Execute()
}
