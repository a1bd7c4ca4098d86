package main

import "github.com/agentic-research/layercache/cmd"

func main() {
	cmd.Execute()
}
