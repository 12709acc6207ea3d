package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "panoptes"}

	root.AddCommand(serveCMD(), toolserverCMD())
	_ = root.Execute()
}
