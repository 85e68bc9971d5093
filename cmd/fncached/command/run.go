/*
   Copyright The fncache Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package command

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"fncache/internal/config"
	"fncache/internal/coordinator"
	"fncache/internal/rpcserver"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Start fncached",
	Action: func(cliContext *cli.Context) error {
		cfg := config.Default()
		if err := config.Load(cliContext.String("config"), cfg); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("loading config: %w", err)
		}

		leaseTTL := cfg.Cache.LeaseTTLDuration()

		coord, err := coordinator.Open(coordinator.Config{
			Root:              cfg.Cache.Root,
			GranularityBits:   cfg.Cache.GranularityBits,
			ArcBits:           cfg.Cache.ArcBits,
			FlushThreshold:    cfg.Cache.FlushThreshold,
			MaxFlushWorkers:   cfg.Cache.MaxFlushWorkers,
			LeaseTTL:          leaseTTL,
			NoHits:            cfg.Cache.NoHits,
			FreeEvictInterval: cfg.Cache.FreePeriodDuration(),
			EvictPeriod:       cfg.Cache.EvictPeriodDuration(),
			PurgeWarmPeriod:   cfg.Cache.PurgeWarmPeriodDuration(),
			FlushNewPeriod:    cfg.Cache.FlushNewPeriodDuration(),
		})
		if err != nil {
			return fmt.Errorf("opening coordinator at %q: %w", cfg.Cache.Root, err)
		}
		defer coord.Close()

		srv, err := rpcserver.NewServer(coord)
		if err != nil {
			return fmt.Errorf("constructing rpc server: %w", err)
		}

		os.Remove(cfg.Cache.ListenAddress)
		l, err := net.Listen("unix", cfg.Cache.ListenAddress)
		if err != nil {
			return fmt.Errorf("listening on %q: %w", cfg.Cache.ListenAddress, err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		log.L.WithField("address", cfg.Cache.ListenAddress).WithField("root", cfg.Cache.Root).Info("fncached listening")

		serveErr := make(chan error, 1)
		go func() { serveErr <- srv.Serve(ctx, l) }()

		select {
		case <-ctx.Done():
			log.L.Info("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-serveErr:
			return err
		}
	},
}
