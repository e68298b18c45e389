package main

import (
	"os"

	"github.com/flotillaproject/flotilla/cmd/flotilla/cmd"
	"github.com/flotillaproject/flotilla/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
