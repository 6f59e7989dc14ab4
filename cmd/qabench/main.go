package main

import "qabench/cmd"

func main() {
	cmd.Execute()
}
