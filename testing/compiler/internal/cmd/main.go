package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Printf("command %s: %v\n", os.Getenv("COMMAND_NAME"), os.Args[1:])
}
