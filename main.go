package main

import "github.com/qeodomain/ddscored/cmd"

func main() {
	cmd.Execute()
}
