package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/internal/handlers"
)

// apiError mirrors the service error envelope.
type apiError struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func call(ctx context.Context, opts *RootOptions, method, path string, body any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(opts.Server, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.Token != "" {
		req.Header.Set(handlers.AdminTokenHeader, opts.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiError
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error.Code != "" {
			return nil, fmt.Errorf("%s: %s (%s)", apiErr.Error.Code, apiErr.Error.Message, apiErr.RequestID)
		}
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return payload, nil
}

// printJSON re-indents payload for humans.
func printJSON(w io.Writer, payload []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func NewDeadLettersCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dead-letters",
		Short: "List open dead letters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := call(cmd.Context(), opts, http.MethodGet, "/admin/dead-letters", nil)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), payload)
			}

			var letters []entities.DeadLetter
			if err = json.Unmarshal(payload, &letters); err != nil {
				return fmt.Errorf("failed to decode dead letters: %w", err)
			}
			if len(letters) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No open dead letters")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tORDER\tKIND\tATTEMPTS\tCREATED\tREASON")
			for _, l := range letters {
				orderID := "-"
				if l.OrderID != nil {
					orderID = *l.OrderID
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
					l.ID, orderID, l.Kind, l.Attempts, l.CreatedAt.Format("2006-01-02 15:04"), l.Reason)
			}
			return tw.Flush()
		},
	}
}

func NewOrderCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "order <id>",
		Short: "Show an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := call(cmd.Context(), opts, http.MethodGet, "/orders/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), payload)
			}
			return printOrder(cmd.OutOrStdout(), payload)
		},
	}
}

func NewResolveCommand(opts *RootOptions) *cobra.Command {
	var action string

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a disputed order by releasing or refunding its escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action = strings.ToLower(strings.TrimSpace(action))
			if action != "release" && action != "refund" {
				return fmt.Errorf("--action must be release or refund")
			}

			path := "/admin/orders/" + url.PathEscape(args[0]) + "/resolve"
			payload, err := call(cmd.Context(), opts, http.MethodPost, path, map[string]string{"action": action})
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), payload)
			}
			return printOrder(cmd.OutOrStdout(), payload)
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "release or refund")
	_ = cmd.MarkFlagRequired("action")

	return cmd
}

func printOrder(w io.Writer, payload []byte) error {
	var order entities.Order
	if err := json.Unmarshal(payload, &order); err != nil {
		return fmt.Errorf("failed to decode order: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", order.ID)
	fmt.Fprintf(tw, "Status:\t%s\n", order.Status)
	fmt.Fprintf(tw, "Provider:\t%s (%s)\n", order.ProviderID, order.ItemType)
	fmt.Fprintf(tw, "Amount:\t%g\n", order.Amount)
	if order.SettlementTx != nil {
		fmt.Fprintf(tw, "Settlement tx:\t%s\n", *order.SettlementTx)
	}
	if order.ErrorMsg != nil {
		fmt.Fprintf(tw, "Error:\t%s\n", *order.ErrorMsg)
	}
	fmt.Fprintf(tw, "Updated:\t%s\n", order.UpdatedAt.Format("2006-01-02 15:04:05"))
	return tw.Flush()
}
