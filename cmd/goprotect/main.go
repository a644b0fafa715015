/*
goprotect protects a managed module: it renames identifiers, encrypts
string literals, flattens control flow into dispatcher loops, injects
anti-debug/anti-tamper probes, and watermarks the result.
*/
package main

import (
	"github.com/mreshboboyev/goprotect/cmd/goprotect/cmd"
)

func main() {
	cmd.Execute()
}
