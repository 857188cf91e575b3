package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"symrun/internal/api"
	apihttp "symrun/internal/api/http"
)

var newAPIServer = apihttp.NewServer

func newServeCmd(ctx *context) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadManifest()
			if err != nil {
				return err
			}

			addr := listen
			var capture int64
			if server := doc.Manifest.Server; server != nil {
				if addr == "" {
					addr = server.Listen
				}
				if capture, err = server.CaptureBytes(); err != nil {
					return err
				}
			}

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			manager := api.NewManager(api.ManagerConfig{
				Document:        doc,
				MaxCaptureBytes: capture,
				Logger:          logger,
			})
			defer manager.Shutdown()

			server, err := newAPIServer(apihttp.Config{Addr: addr, Controller: manager})
			if err != nil {
				return err
			}

			runCtx, cancel := stdcontext.WithCancel(cmd.Context())
			defer cancel()
			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Run(runCtx)
			}()

			readyTimer := time.NewTimer(200 * time.Millisecond)
			defer readyTimer.Stop()
			select {
			case err := <-errCh:
				return err
			case <-readyTimer.C:
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Control API listening on %s\n", server.Addr())

			err = <-errCh
			if err != nil && !errors.Is(err, stdcontext.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (host:port); defaults to the manifest's server.listen")
	return cmd
}
