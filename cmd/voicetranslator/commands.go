package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"voicetranslator/internal/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "voicetranslator",
		Short:         "Real-time classroom translation coordinator",
		Long:          "voicetranslator pairs a teacher with students over WebSocket and fans each utterance out translated into every student's language.",
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath(cmd))
		},
	}
	root.PersistentFlags().String("config", "", "Path to a JSON config file (overrides VOICETRANSLATOR_CONFIG_FILE)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath(cmd))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "voicetranslator", version)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Validate the configuration and print the effective session timeouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}
			return printTimeouts(cmd, cfg)
		},
	})
	return root
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}

type timeoutsView struct {
	Environment     string  `json:"environment"`
	Scale           float64 `json:"scale"`
	Stale           string  `json:"stale"`
	AllStudentsLeft string  `json:"allStudentsLeft"`
	EmptyTeacher    string  `json:"emptyTeacher"`
	ReconnectGrace  string  `json:"reconnectGrace"`
	CleanupInterval string  `json:"cleanupInterval"`
	CodeTTL         string  `json:"classroomCodeTtl"`
	ShortSession    string  `json:"shortSessionThreshold"`
	Store           string  `json:"store"`
	Translation     string  `json:"translation"`
	Speech          string  `json:"speech"`
}

func printTimeouts(cmd *cobra.Command, cfg *config.Config) error {
	t := cfg.Timeouts()
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(timeoutsView{
		Environment:     cfg.Environment,
		Scale:           cfg.Scale(),
		Stale:           t.Stale.String(),
		AllStudentsLeft: t.AllStudentsLeft.String(),
		EmptyTeacher:    t.EmptyTeacher.String(),
		ReconnectGrace:  t.ReconnectGrace.String(),
		CleanupInterval: t.CleanupInterval.String(),
		CodeTTL:         t.CodeTTL.String(),
		ShortSession:    t.ShortSession.String(),
		Store:           cfg.Database.Driver,
		Translation:     cfg.Translation.Provider,
		Speech:          cfg.Speech.Provider,
	})
}
