package main

import "github.com/j3t/pipeline-cache/cmd/pipeline-cache/cmd"

func main() {
	cmd.Execute()
}
