package main

import "github.com/echochat/echochat/cmd"

func main() {
	cmd.Execute()
}
