package main

import (
	_ "time/tzdata"

	"github.com/diamory/diamory-backend/cmd"
)

func main() {
	cmd.Execute()
}
