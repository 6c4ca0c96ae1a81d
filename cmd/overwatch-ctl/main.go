package main

import "github.com/oshokin/overwatch/cmd/overwatch-ctl/cmd"

func main() {
	cmd.Execute()
}
