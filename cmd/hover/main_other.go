//go:build !linux

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "hover: user and mount namespaces require Linux")
	os.Exit(1)
}
