package main

import "github.com/psd-ai/studio/cmd"

func main() {
	cmd.Execute()
}
