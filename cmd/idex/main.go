package main

import "github.com/MeKo-Tech/idex/cmd/idex/cmd"

func main() {
	cmd.Execute()
}
