package main

import "github.com/netshepherd/dataplane/cmd"

func main() {
	cmd.Execute()
}
