package main

import "aptsync/internal/cli"

func main() {
	cli.Execute()
}
