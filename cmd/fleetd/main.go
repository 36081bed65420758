// Command fleetd is a thin demonstration binary that wires a single
// broker process together: parses flags, joins the fleet, and hosts
// whatever worker classes the binary registers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fleetkit/fleetd/broker"
	"github.com/fleetkit/fleetd/fleetconfig"
	"github.com/fleetkit/fleetd/worker"
)

var (
	namespace   string
	clusterName string
	addr        string
	redisAddr   string
)

func init() {
	flag.StringVar(&namespace, "namespace", "fleet", "registry key namespace")
	flag.StringVar(&clusterName, "cluster", "default", "cluster name")
	flag.StringVar(&addr, "addr", "", "peer listen address (defaults to the interface routing toward the registry)")
	flag.StringVar(&redisAddr, "redis-addr", "localhost:6379", "registry (redis) address")
}

func main() {
	parseArgs()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Println("error: failed to build logger:", err)
		os.Exit(1)
	}

	if addr == "" {
		host, err := localHostToward(redisAddr)
		if err != nil {
			logger.Fatal("failed to resolve local address toward registry", zap.Error(err))
		}
		addr = host + ":0"
	}

	cfg := fleetconfig.New(namespace, clusterName,
		fleetconfig.WithAddr(addr),
		fleetconfig.WithRedis(redisAddr, "", 0),
		fleetconfig.WithLogger(logger),
	)

	reg, err := newRegistryClient(cfg)
	if err != nil {
		logger.Fatal("failed to build registry client", zap.Error(err))
	}

	b := broker.New(cfg, reg)
	b.Register("echo", func() worker.Handler { return newEchoWorker() })

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-stopChan
		b.Stop()
	}()

	if err := b.Start(context.Background()); err != nil {
		logger.Fatal("failed to start broker", zap.Error(err))
	}
	<-b.Done()
}

func parseArgs() {
	flag.Parse()
	if namespace == "" {
		fmt.Println("error: --namespace is required")
		flag.Usage()
		os.Exit(1)
	}
	if clusterName == "" {
		fmt.Println("error: --cluster is required")
		flag.Usage()
		os.Exit(1)
	}
	if redisAddr == "" {
		fmt.Println("error: --redis-addr is required")
		flag.Usage()
		os.Exit(1)
	}
}
