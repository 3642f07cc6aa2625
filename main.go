package main

import "github.com/quorumcontrol/tupelo-accounts/cmd"

func main() {
	cmd.Execute()
}
