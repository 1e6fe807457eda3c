package main

import "github.com/conneroisu/gpt2train/cmd"

func main() {
	cmd.Execute()
}
