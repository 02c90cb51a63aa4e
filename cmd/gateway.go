package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/respite/internal/gateway"
)

var (
	httpHost string

	// The port to listen for http requests on
	httpPort int
)

func init() {
	flags := GatewayCmd.Flags()

	flags.StringVar(&httpHost, "http-host", "0.0.0.0", "The host to listen to HTTP requests on")
	flags.IntVar(&httpPort, "http-port", 7362, "The port to listen to HTTP requests on")
}

var GatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Forward JSON command batches from HTTP to the server",
	Long: `Forward JSON command batches from HTTP to the server

Routes
	GET  /ping
	POST /v1/commands   {"commands":[["SET","k","v"]],"atomic":false}
	GET  /v1/stats

`,
	Args: cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conn, err := dial(ctx)
		if err != nil {
			return err
		}
		defer closeConn(conn)

		router := gateway.NewRouter(gateway.Options{
			Conn:  conn,
			Debug: conf.DebugHTTP,
			Log:   log.Named("http"),
		})

		ln, err := reuseport.Listen("tcp", joinHostPort(httpHost, httpPort))
		if err != nil {
			return err
		}

		s := &http.Server{Handler: router}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		log.Info("Listening",
			zap.String("http", ln.Addr().String()),
			zap.String("server", conf.Addr))

		select {
		case <-ctx.Done():
		case <-conn.Done():
			log.Error("Connection to the server failed", zap.Error(conn.Err()))
		}

		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		log.Info("Exiting")
		return conn.Err()
	},
}
