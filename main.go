package main

import "github.com/oqwn/minichat/cmd"

func main() {
	cmd.Execute()
}
