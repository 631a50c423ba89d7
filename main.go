package main

import (
	"github.com/ahlgren/wharf/cmd"
)

var (
	version string
	commit  string
	date    string
)

func main() {
	cmd.Execute(version, commit, date)
}
