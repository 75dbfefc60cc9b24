// Command coinjectured runs a coinjecture node: it follows the chain, pools
// and gossips transactions, and, with a validator key configured, produces
// blocks.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/coinjecture/coinjectured/pkg/config"
	"github.com/coinjecture/coinjectured/pkg/logging"
	"github.com/coinjecture/coinjectured/pkg/node"
	"github.com/coinjecture/coinjectured/pkg/p2p"
	"github.com/coinjecture/coinjectured/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coinjectured: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	defer log.Sync()

	sm := utils.NewShutdownManager(10*time.Second, log.Named("shutdown"))

	n, err := node.New(sm.Context(), cfg, log)
	if err != nil {
		return err
	}
	sm.Register("node", n.Close)

	n.SetContentHandler(func(msg *p2p.CIDMessage) error {
		log.Info("content announced",
			zap.String("cid", msg.CID),
			zap.String("type", msg.Type),
			zap.Uint64("block_number", msg.BlockNumber))
		return nil
	})

	n.Start(sm.Context())
	log.Info("coinjectured running",
		zap.Int("listen_port", cfg.ListenPort),
		zap.String("storage", cfg.Storage.Path))

	sm.Wait()
	return nil
}
