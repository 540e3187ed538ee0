package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/devrev/pairdb/queryrouter/internal/config"
	"github.com/devrev/pairdb/queryrouter/internal/policy"
	"github.com/devrev/pairdb/queryrouter/internal/router"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func planCmd() *cobra.Command {
	var (
		keyspace string
		key      string
		queries  int
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show how queries would be routed over the static topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			if queries <= 0 {
				return errors.New("--queries must be positive")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Topology.File == "" {
				return errors.New("plan needs topology.file to be configured")
			}
			// Keep stdout for the report
			cfg.Logging.Level = "warn"
			logger, err := initLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			r, err := router.FromConfig(cfg, logger, nil)
			if err != nil {
				return err
			}
			defer func() {
				if err := r.Close(); err != nil {
					logger.Warn("failed to stop event dispatch", zap.Error(err))
				}
			}()

			return printPlans(cmd.OutOrStdout(), r, keyspace, key, queries)
		},
	}

	cmd.Flags().StringVar(&keyspace, "keyspace", "", "keyspace of the queries")
	cmd.Flags().StringVar(&key, "key", "", "routing key of the queries")
	cmd.Flags().IntVar(&queries, "queries", 10, "number of query plans to generate")

	return cmd
}

// printPlans writes the full first plan, then how often each host came
// first over n plans
func printPlans(w io.Writer, r *router.Router, keyspace, key string, n int) error {
	var routingKey []byte
	if key != "" {
		routingKey = []byte(key)
	}

	pol := r.Policy()
	first := policy.Drain(r.QueryPlan(keyspace, routingKey), 0)
	fmt.Fprintf(w, "policy: %s\n", pol.Name())
	if len(first) == 0 {
		fmt.Fprintln(w, "no host available")
		return nil
	}
	fmt.Fprintln(w, "plan:")
	for i, h := range first {
		fmt.Fprintf(w, "%d) %s - %s - %s\n", i+1, h.Address, h.Datacenter, pol.Distance(h))
	}

	counts := map[string]int{first[0].Address: 1}
	for i := 1; i < n; i++ {
		if h := r.QueryPlan(keyspace, routingKey).Next(); h != nil {
			counts[h.Address]++
		}
	}

	addrs := make([]string, 0, len(counts))
	for addr := range counts {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		if counts[addrs[i]] != counts[addrs[j]] {
			return counts[addrs[i]] > counts[addrs[j]]
		}
		return addrs[i] < addrs[j]
	})

	fmt.Fprintf(w, "first host over %d queries:\n", n)
	width := 0
	for _, addr := range addrs {
		width = max(width, len(addr))
	}
	for _, addr := range addrs {
		fmt.Fprintf(w, "%s%s %d\n", addr, strings.Repeat(" ", width-len(addr)), counts[addr])
	}
	return nil
}
