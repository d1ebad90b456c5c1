package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/vtepsync/pkg/audit"
	"github.com/newtron-network/vtepsync/pkg/cli"
)

var (
	auditSince    time.Duration
	auditLast     int
	auditTxID     string
	auditEntity   string
	auditType     string
	auditFailures bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit trail",
	Long: `Show device transactions, lost updates, reconciliations and disconnects
recorded in the audit trail (audit.path in the configuration).

Examples:
  vtepsync audit --last 20
  vtepsync -N hwvtep-1 audit --failures --since 1h
  vtepsync audit --tx 0b6f7c0e-... -v
  vtepsync -N hwvtep-1 audit --entity logical-switch:LS1`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Audit.Path == "" {
			return errors.New("audit trail disabled: set audit.path in the configuration")
		}
		if _, err := os.Stat(cfg.Audit.Path); err != nil {
			return fmt.Errorf("audit trail: %w", err)
		}
		logger, err := audit.NewFileLogger(cfg.Audit.Path, audit.RotationConfig{})
		if err != nil {
			return err
		}
		defer logger.Close()

		filter := audit.Filter{
			Node:        nodeName,
			Type:        audit.EventType(auditType),
			TxID:        auditTxID,
			Entity:      auditEntity,
			FailureOnly: auditFailures,
			Last:        auditLast,
		}
		if auditSince > 0 {
			filter.StartTime = time.Now().Add(-auditSince)
		}
		events, err := logger.Query(filter)
		if err != nil {
			return err
		}

		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(events)
		}
		if len(events) == 0 {
			fmt.Println("No audit events.")
			return nil
		}

		t := cli.NewTable("TIME", "NODE", "TYPE", "DETAIL", "RESULT")
		for _, e := range events {
			t.Row(e.Timestamp.Format("2006-01-02 15:04:05"), e.Node, string(e.Type), eventDetail(e), eventResult(e))
		}
		t.Flush()

		if verbose {
			for _, e := range events {
				if len(e.Operations) == 0 {
					continue
				}
				fmt.Printf("\n%s %s\n", cli.Bold(e.TxID), cli.Dim(e.Duration.String()))
				for _, op := range e.Operations {
					fmt.Println("  " + op)
				}
			}
		}
		return nil
	},
}

func eventDetail(e *audit.Event) string {
	switch e.Type {
	case audit.EventTypeTransaction:
		return fmt.Sprintf("%s (%d ops)", e.TxID, len(e.Operations))
	case audit.EventTypeLostUpdate:
		return e.Entity + " " + e.Reason
	}
	return e.Reason
}

func eventResult(e *audit.Event) string {
	if e.Success {
		return cli.Green("ok")
	}
	if e.Type == audit.EventTypeLostUpdate {
		return cli.Yellow("lost")
	}
	if e.Error == "" {
		return cli.Red("failed")
	}
	msg := e.Error
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i] + " ..."
	}
	return cli.Red(msg)
}

func init() {
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "Only events newer than this")
	auditCmd.Flags().IntVar(&auditLast, "last", 50, "Show only the most recent events (0 for all)")
	auditCmd.Flags().StringVar(&auditTxID, "tx", "", "Filter by transaction id")
	auditCmd.Flags().StringVar(&auditEntity, "entity", "", "Filter by entity (type:key or key)")
	auditCmd.Flags().StringVar(&auditType, "type", "", "Filter by event type (transaction, lost-update, reconcile, disconnect)")
	auditCmd.Flags().BoolVar(&auditFailures, "failures", false, "Only failed events")
}
