package cmd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/respite/storage"
	"github.com/luma/respite/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for tcp clients on
	port int

	listeners int
	trace     bool

	// JSON file the keyspace is restored from and saved to
	snapshot string
)

func init() {
	flags := MockCmd.Flags()

	flags.IntVarP(&port, "port", "p", 6379, "The port to listen client connections on")
	flags.StringVar(&host, "host", "127.0.0.1", "The host to listen on")
	flags.IntVar(&listeners, "listeners", 1, "The number of SO_REUSEPORT listeners")
	flags.BoolVar(&trace, "trace", false, "Log every command received")
	flags.StringVar(&snapshot, "snapshot", "", "A JSON object of keys restored on start and saved on exit")
}

var MockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Start up a mock RESP server",
	Long: `Start up a mock RESP server

It keeps string keys in memory and speaks RESP2, or RESP3 after HELLO 3. It
supports transactions, WATCH, pub/sub and Lua scripting.

Usage
	respite mock --port 6380 --snapshot keys.json

`,
	Args: cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		store := storage.NewInmemoryStore()
		if err := restoreSnapshot(store, snapshot); err != nil {
			return err
		}

		tcp := transport.NewTCP(transport.Options{
			Host:         host,
			Port:         port,
			Reuseport:    listeners > 1,
			NumListeners: listeners,
			Trace:        trace,
			Store:        store,
			Log:          log.Named("transport"),
		})

		if err := tcp.Start(ctx); err != nil {
			return err
		}

		log.Info("Listening",
			zap.String("addr", tcp.Addr()),
			zap.Int("listeners", listeners),
			zap.Int("keys", store.Len()))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		if err := tcp.Close(); err != nil {
			log.Error("TCP server forced to shutdown", zap.Error(err))
		}

		if err := saveSnapshot(store, snapshot); err != nil {
			return err
		}

		log.Info("Exiting")
		return nil
	},
}

func restoreSnapshot(store storage.Store, path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := store.Restore(data); err != nil {
		return fmt.Errorf("failed to restore %s: %w", path, err)
	}

	return nil
}

func saveSnapshot(store storage.Store, path string) error {
	if path == "" {
		return nil
	}

	data, err := store.Backup()
	if err != nil {
		return err
	}

	log.Info("Saving snapshot", zap.String("path", path), zap.Int("keys", store.Len()))
	return os.WriteFile(path, data, 0600)
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
