package main

import "github.com/supportersimulator/categorizer/internal/cli"

func main() {
	cli.Execute()
}
