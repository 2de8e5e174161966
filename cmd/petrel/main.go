package main

import "github.com/petrel-mail/petrel/internal/cli"

func main() {
	cli.Execute()
}
