package main

import (
	"fmt"

	"github.com/galaxyhq/galaxy/pkg/config"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the device roster declared in the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if configPath == "" {
			return fmt.Errorf("--config is required")
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if len(cfg.Devices) == 0 {
			fmt.Println("no devices declared")
			return nil
		}

		fmt.Printf("%-20s %-30s %-10s %-10s %s\n", "DEVICE ID", "SERVER URL", "OS", "AUTO", "CAPABILITIES")
		for _, d := range cfg.Devices {
			auto := "no"
			if d.AutoConnect {
				auto = "yes"
			}
			fmt.Printf("%-20s %-30s %-10s %-10s %v\n", d.DeviceID, d.ServerURL, d.OS, auto, d.Capabilities)
		}
		return nil
	},
}
