package main

import (
	"github.com/spf13/cobra"

	"keygen/internal/app"
)

func newAgentCmd(c *cli) *cobra.Command {
	var (
		listen           string
		deactivateOnExit bool
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the local license agent",
		Long: `Run the local HTTP agent. It validates at startup, keeps the machine's
heartbeat alive, and serves license status to local processes until
interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Agent.Address = listen
			}
			if cmd.Flags().Changed("deactivate-on-exit") {
				cfg.Agent.DeactivateOnExit = deactivateOnExit
			}
			logger, err := c.log(cfg)
			if err != nil {
				return err
			}

			var opts []app.Option
			if c.fingerprints != nil {
				opts = append(opts, app.WithFingerprintSource(c.fingerprints))
			}
			a, err := app.New(cfg, logger, opts...)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "override listen address")
	cmd.Flags().BoolVar(&deactivateOnExit, "deactivate-on-exit", false, "release the machine on shutdown")
	return cmd
}
