package main

import "github.com/oshokin/overwatch/cmd/overwatch-server/cmd"

func main() {
	cmd.Execute()
}
