package main

import "github.com/evoke-ai/mnemo/internal/cli"

func main() {
	cli.Execute()
}
