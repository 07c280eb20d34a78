package main

import "github.com/fileflow/fileflow/cmd"

func main() {
	cmd.Execute()
}
