package main

import "github.com/practable/pricewatch/cmd/pricewatch/cmd"

func main() {
	cmd.Execute()
}
