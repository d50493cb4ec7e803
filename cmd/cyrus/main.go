package main

import "github.com/rudransh-shrivastava/cyrus/internal/cli"

func main() {
	cli.Execute()
}
