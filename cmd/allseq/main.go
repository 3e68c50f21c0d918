// Command allseq tracks open Aliquot sequences.
package main

import "github.com/mesh-intelligence/allseq/internal/cli"

func main() {
	cli.Execute()
}
