package main

import "github.com/vietddude/bridgemonitor/internal/cli"

func main() {
	cli.Execute()
}
