package main

import "github.com/LumeraProtocol/trainpool/coordinator/cmd"

func main() {
	cmd.Execute()
}
