package main

import "scrubproxy/cmd"

func main() {
	cmd.Execute()
}
