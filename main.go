package main

import "calcrunner/cmd/cli"

func main() {
	cli.Execute()
}
