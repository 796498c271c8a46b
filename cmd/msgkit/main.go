package main

import "github.com/msgkit/msgkit/samples/cmd"

func main() { cmd.Execute() }
