package main

import "github.com/nextlevelbuilder/mmrelay/cmd"

func main() {
	cmd.Execute()
}
