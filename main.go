package main

import "beacon/cmd"

func main() {
	cmd.Execute()
}
