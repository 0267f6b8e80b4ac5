package main

import "metabridge/cmd"

func main() {
	cmd.Execute()
}
