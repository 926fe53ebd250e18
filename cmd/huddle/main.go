package main

import "github.com/HMasataka/huddle/cmd/huddle/cmd"

func main() {
	cmd.Execute()
}
