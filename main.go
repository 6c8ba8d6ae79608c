package main

import "github.com/permitlead/harvester/cmd"

func main() {
	cmd.Execute()
}
