package main

import "llamaburn/cmd"

func main() {
	cmd.Execute()
}
