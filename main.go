package main

import "tgrelay/cmd"

func main() {
	cmd.Execute()
}
