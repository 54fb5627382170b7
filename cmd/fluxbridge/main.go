package main

import "github.com/rudransh-shrivastava/fluxbridge/internal/cmd"

func main() {
	cmd.Execute()
}
