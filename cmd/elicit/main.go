package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elicit-dev/elicit/config"
	srv "github.com/elicit-dev/elicit/internal/server"
)

func main() {
	var root = &cobra.Command{Use: "elicit"}
	root.AddCommand(serveCMD())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCMD() *cobra.Command {
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the elicitation HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			return srv.Run(cfg)
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")
	return serve
}
