package main

import "github.com/TitaniumShinobi/vsi-governance/internal/cli"

func main() {
	cli.Execute()
}
