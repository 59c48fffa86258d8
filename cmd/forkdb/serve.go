package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/i5heu/forkdb"
	"github.com/i5heu/forkdb/pkg/exchange"
)

var (
	serveListen  string
	serveMetrics string
	serveMode    string
	serveLive    bool

	syncMode string
	syncLive bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept replication sessions over websocket on /replicate",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "listen address (default from config)")
	serveCmd.Flags().StringVar(&serveMetrics, "metrics-listen", "", "serve /metrics on this address")
	serveCmd.Flags().StringVar(&serveMode, "mode", "sync", "replication mode offered to peers: sync, push or pull")
	serveCmd.Flags().BoolVar(&serveLive, "live", true, "keep sessions open and stream new commits")

	syncCmd := &cobra.Command{
		Use:   "sync <ws://host:port/replicate>",
		Short: "Replicate with a serving peer",
		Args:  cobra.ExactArgs(1),
		RunE:  runSync,
	}
	syncCmd.Flags().StringVar(&syncMode, "mode", "sync", "sync, push or pull")
	syncCmd.Flags().BoolVar(&syncLive, "live", false, "stay connected and stream new commits until interrupted")

	rootCmd.AddCommand(serveCmd, syncCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	mode, err := exchange.ParseMode(serveMode)
	if err != nil {
		return err
	}
	if serveListen == "" {
		serveListen = conf.Listen
	}
	if serveMetrics == "" {
		serveMetrics = conf.MetricsListen
	}

	return withDB(cmd.Context(), func(db *forkdb.ForkDB) error {
		ctx := cmd.Context()
		mux := http.NewServeMux()
		mux.HandleFunc("/replicate", func(w http.ResponseWriter, r *http.Request) {
			tr, err := exchange.Upgrade(w, r)
			if err != nil {
				log.WithError(err).Warn("websocket upgrade failed")
				return
			}
			s, err := db.Replicate(ctx, tr, forkdb.ReplicateOptions{Mode: mode, Live: serveLive})
			if err != nil {
				tr.Close()
				log.WithError(err).Warn("replication not started")
				return
			}
			res, err := s.Wait(context.Background())
			fields := logrus.Fields{
				"remote":    r.RemoteAddr,
				"peer":      res.Peer,
				"exchanged": len(res.Exchanged),
				"errors":    len(res.Errors),
			}
			if err != nil {
				log.WithFields(fields).WithError(err).Warn("replication session failed")
				return
			}
			log.WithFields(fields).Info("replication session ended")
		})

		servers := []*http.Server{{Addr: serveListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}}
		if serveMetrics != "" {
			metrics := http.NewServeMux()
			metrics.Handle("/metrics", promhttp.Handler())
			servers = append(servers, &http.Server{Addr: serveMetrics, Handler: metrics, ReadHeaderTimeout: 10 * time.Second})
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, srv := range servers {
			srv := srv
			g.Go(func() error {
				log.WithField("listen", srv.Addr).Info("listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, srv := range servers {
				srv.Shutdown(shutdownCtx)
			}
			return nil
		})
		return g.Wait()
	})
}

func runSync(cmd *cobra.Command, args []string) error {
	mode, err := exchange.ParseMode(syncMode)
	if err != nil {
		return err
	}

	return withDB(cmd.Context(), func(db *forkdb.ForkDB) error {
		ctx := cmd.Context()
		tr, err := exchange.Dial(ctx, args[0])
		if err != nil {
			return err
		}
		s, err := db.Replicate(ctx, tr, forkdb.ReplicateOptions{Mode: mode, Live: syncLive})
		if err != nil {
			tr.Close()
			return err
		}

		if syncLive {
			select {
			case <-s.Settled():
				log.Info("initial exchange done, streaming new commits")
			case <-s.Done():
			}
			select {
			case <-ctx.Done():
				s.Close()
			case <-s.Done():
			}
		}

		res, err := s.Wait(context.Background())
		if err != nil && !(syncLive && errors.Is(err, context.Canceled)) {
			return err
		}
		for _, e := range res.Errors {
			log.WithError(e).Warn("commit not replicated")
		}
		_, werr := fmt.Fprintf(cmd.OutOrStdout(), "exchanged %d commits with %s\n", len(res.Exchanged), res.Peer)
		if werr != nil {
			return werr
		}
		return res.Err()
	})
}
