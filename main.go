package main

import "github.com/akosk/ChitChat/cmd"

func main() {
	cmd.Execute()
}
