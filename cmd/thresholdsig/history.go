package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"thresholdsig/journal"
)

type historyRow struct {
	SessionID  string `json:"sessionId"`
	NetworkID  uint64 `json:"networkId"`
	Contract   string `json:"contract"`
	Account    string `json:"account"`
	TxIndex    uint64 `json:"txIndex"`
	To         string `json:"to"`
	Value      string `json:"value"`
	Executed   bool   `json:"executed"`
	RecordedAt string `json:"recordedAt"`
}

func newHistoryCmd() *cobra.Command {
	var (
		path     string
		filter   journal.Filter
		contract string
		to       string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled transfers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if filter.Contract, err = optionalAddress("contract", contract); err != nil {
				return err
			}
			if filter.To, err = optionalAddress("to", to); err != nil {
				return err
			}
			j, err := journal.Open(path)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer j.Close()
			entries, err := j.History(cmd.Context(), filter)
			if err != nil {
				return err
			}
			rows := make([]historyRow, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, historyRow{
					SessionID:  e.SessionID,
					NetworkID:  e.NetworkID,
					Contract:   e.Contract.Hex(),
					Account:    e.Account.Hex(),
					TxIndex:    e.Tx.TxIndex,
					To:         e.Tx.To.Hex(),
					Value:      e.Tx.Value.Dec(),
					Executed:   e.Tx.Executed,
					RecordedAt: e.RecordedAt.UTC().Format("2006-01-02T15:04:05Z"),
				})
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECORDED\tSESSION\tINDEX\tTO\tVALUE (WEI)")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.RecordedAt, r.SessionID, r.TxIndex, r.To, r.Value)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&path, "journal", "thresholdsig.db", "path to the transfer journal")
	cmd.Flags().StringVar(&filter.SessionID, "session", "", "only show transfers of this session")
	cmd.Flags().Uint64Var(&filter.NetworkID, "network", 0, "only show transfers on this network id")
	cmd.Flags().StringVar(&contract, "contract", "", "only show transfers of this contract address")
	cmd.Flags().StringVar(&to, "to", "", "only show transfers to this recipient")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of entries (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func optionalAddress(flag, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", flag, raw)
	}
	return common.HexToAddress(raw), nil
}
