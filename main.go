package main

import "github.com/linkgate/linkgate/internal/cmd"

func main() {
	cmd.Main()
}
