package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/vtepsync/pkg/cli"
	"github.com/newtron-network/vtepsync/pkg/util"
	"github.com/newtron-network/vtepsync/pkg/vtep/model"
	"github.com/newtron-network/vtepsync/pkg/vtep/transact"
)

var (
	reconcileTimeout time.Duration
	statusAddr       string
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "One-shot full reconciliation of a gateway",
	Long: `Reconcile seeds the engine from confirmed state, diffs the declared
intent against it and applies the difference to the gateway. It returns once
every transaction has been answered or the timeout expires. Entities still
waiting on dependencies are reported.

Do not run this against a node a running daemon is driving.

Examples:
  vtepsync -N hwvtep-1 reconcile
  vtepsync -N hwvtep-1 reconcile --timeout 2m --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		closeAudit, err := openAudit()
		if err != nil {
			return err
		}
		defer closeAudit()

		n, err := requireNode()
		if err != nil {
			return err
		}
		s, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		m, dev, err := newManager(ctx, n, s)
		if err != nil {
			return err
		}
		defer dev.Close()

		m.Start(ctx)
		defer m.Stop()

		if err := m.Reconcile(ctx); err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, reconcileTimeout)
		defer cancel()
		if err := m.WaitIdle(waitCtx); err != nil {
			util.WithNode(n.Name).Warnf("reconciliation still in progress: %v", err)
		}

		st := m.Status()
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(st)
		}
		printStatuses([]transact.Status{st})

		var result string
		switch waiting := st.ConfigWait + st.OpWait; {
		case waiting > 0:
			result = cli.Yellow(fmt.Sprintf("%d change(s) still waiting on dependencies", waiting))
		case st.LostUpdates > 0:
			result = cli.Red(fmt.Sprintf("%d change(s) could not be applied", st.LostUpdates))
		default:
			result = cli.Green("in sync")
		}
		fmt.Printf("\n%s %s\n", cli.DotPad(string(st.Node), 24), result)
		return nil
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show what a reconciliation would change",
	Long: `Diff compares the declared intent of a node with its confirmed state
and lists the creates, updates and deletes a reconciliation would issue.
Nothing is written.

Examples:
  vtepsync -N hwvtep-1 diff
  vtepsync -N hwvtep-1 diff --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, err := requireNode()
		if err != nil {
			return err
		}
		s, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		m := transact.NewManager(model.NodeID(n.Name), cfg.EngineConfig(), nil, s.intent, s.confirmed)
		changes, err := m.Preview(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(changeViews(changes))
		}
		if len(changes) == 0 {
			fmt.Println(cli.Green("No differences."))
			return nil
		}
		t := cli.NewTable("", "TYPE", "KEY", "FIELDS")
		for _, c := range changes {
			t.Row(cli.Mark(c.Kind().String()), c.Type.String(), c.Key.String(), changeFields(c))
		}
		t.Flush()
		fmt.Printf("\n%d change(s)\n", len(changes))
		return nil
	},
}

// changeView is the JSON form of a change.
type changeView struct {
	Kind   string            `json:"kind"`
	Type   string            `json:"type"`
	Key    string            `json:"key"`
	Fields map[string]string `json:"fields,omitempty"`
}

func changeViews(changes []model.Change) []changeView {
	out := make([]changeView, 0, len(changes))
	for _, c := range changes {
		v := changeView{Kind: c.Kind().String(), Type: c.Type.String(), Key: c.Key.String()}
		if c.New != nil {
			v.Fields = c.New.Fields()
		}
		out = append(out, v)
	}
	return out
}

func changeFields(c model.Change) string {
	if c.New == nil {
		return cli.Dim("-")
	}
	return util.FormatPairs(c.New.Fields())
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running daemon for per-node status",
	Long: `Status asks a running daemon for the state of each node: device
connectivity, cache size, entities in transit, parked jobs and lost updates.
The daemon must serve metrics (metrics.addr in the configuration).

Examples:
  vtepsync status
  vtepsync -N hwvtep-1 status --addr 10.0.0.5:9108`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := statusAddr
		if addr == "" {
			addr = cfg.Metrics.Addr
		}
		if addr == "" {
			return fmt.Errorf("no daemon address: set metrics.addr or use --addr")
		}
		if strings.HasPrefix(addr, ":") {
			addr = "127.0.0.1" + addr
		}

		statuses, err := fetchStatus(cmd.Context(), "http://"+addr+"/status")
		if err != nil {
			return err
		}
		if nodeName != "" {
			var filtered []transact.Status
			for _, st := range statuses {
				if string(st.Node) == nodeName {
					filtered = append(filtered, st)
				}
			}
			if len(filtered) == 0 {
				return fmt.Errorf("%w: %s", util.ErrUnknownNode, nodeName)
			}
			statuses = filtered
		}

		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(statuses)
		}
		printStatuses(statuses)
		return nil
	},
}

func fetchStatus(ctx context.Context, url string) ([]transact.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("querying daemon: %s", resp.Status)
	}

	var statuses []transact.Status
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return statuses, nil
}

func printStatuses(statuses []transact.Status) {
	t := cli.NewTable("NODE", "CONNECTED", "RECONCILING", "OPERATIONAL", "DECLARED", "IN-TRANSIT", "CONFIG-WAIT", "OP-WAIT", "LOST")
	for _, st := range statuses {
		t.Row(
			string(st.Node),
			cli.YesNo(st.Connected),
			strconv.FormatBool(st.InReconciliation),
			strconv.Itoa(st.Cache.Operational),
			strconv.Itoa(st.Cache.Declared),
			strconv.Itoa(len(st.Cache.InTransit)),
			strconv.Itoa(st.ConfigWait),
			strconv.Itoa(st.OpWait),
			strconv.FormatInt(st.LostUpdates, 10),
		)
	}
	t.Flush()

	if verbose {
		for _, st := range statuses {
			if len(st.Cache.InTransit) == 0 {
				continue
			}
			fmt.Printf("\n%s in transit:\n", cli.Bold(string(st.Node)))
			for _, k := range st.Cache.InTransit {
				fmt.Println("  " + k)
			}
		}
	}
}

func init() {
	reconcileCmd.Flags().DurationVar(&reconcileTimeout, "timeout", time.Minute, "How long to wait for transactions to settle")
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Daemon metrics address (default metrics.addr)")
}
