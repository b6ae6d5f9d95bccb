package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type sessionStatus struct {
	Phase              string `json:"phase"`
	SessionID          string `json:"sessionId"`
	Connected          bool   `json:"connected"`
	Account            string `json:"account"`
	NetworkID          uint64 `json:"networkId"`
	Contract           string `json:"contract"`
	SubscriptionActive bool   `json:"subscriptionActive"`
	Transactions       int    `json:"transactions"`
	Balance            string `json:"balance"`
	Failure            *struct {
		Phase string `json:"phase"`
		Error string `json:"error"`
	} `json:"failure"`
}

func newStatusCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session of a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			base := strings.TrimRight(strings.TrimSpace(addr), "/")
			if !strings.Contains(base, "://") {
				base = "http://" + base
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base+"/v1/session", nil)
			if err != nil {
				return err
			}
			resp, err := (&http.Client{Timeout: timeout}).Do(req)
			if err != nil {
				return fmt.Errorf("query daemon: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}
			var status sessionStatus
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			return printStatus(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7090", "address of the running daemon")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func printStatus(w io.Writer, s sessionStatus) error {
	lines := []string{fmt.Sprintf("phase: %s", s.Phase)}
	if s.Connected {
		lines = append(lines,
			fmt.Sprintf("session: %s", s.SessionID),
			fmt.Sprintf("account: %s", s.Account),
			fmt.Sprintf("contract: %s (network %d)", s.Contract, s.NetworkID),
			fmt.Sprintf("subscribed: %t", s.SubscriptionActive),
		)
	}
	lines = append(lines,
		fmt.Sprintf("transactions: %d", s.Transactions),
		fmt.Sprintf("balance: %s wei", s.Balance),
	)
	if s.Failure != nil {
		lines = append(lines, fmt.Sprintf("last failure: %s during %s", s.Failure.Error, s.Failure.Phase))
	}
	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}
