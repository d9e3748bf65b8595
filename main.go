package main

import "github.com/nextlevelbuilder/hivebot/cmd"

func main() {
	cmd.Execute()
}
