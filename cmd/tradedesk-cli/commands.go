package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tradedesk/pkg/tradedesk"
)

// ---------------------------------------------------------------------------
// Profiles and sessions
// ---------------------------------------------------------------------------

func profilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List profiles and their session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			profiles, err := client().Profiles(ctx)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), profiles, []string{"Profile", "Broker", "Session", "Expires", "Subs", "Orders"}, func(add func(...string)) {
				for _, p := range profiles {
					session := p.Session
					if p.NeedsLogin {
						session += " (login required)"
					}
					add(p.ID, p.Broker, session, formatTime(p.ExpiresAt), strconv.Itoa(p.Subscriptions), strconv.Itoa(p.Orders))
				}
			})
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <profile>",
		Short: "Log a profile in, clearing a previous login rejection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			sess, err := client().Login(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s until %s\n", args[0], sess.State, formatTime(sess.ExpiresAt))
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <profile>",
		Short: "End a profile's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			return client().Logout(ctx, args[0])
		},
	}
}

// ---------------------------------------------------------------------------
// Quotes
// ---------------------------------------------------------------------------

func quotesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quotes <profile>",
		Short: "Show the latest quote of every subscribed instrument",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			quotes, err := client().Quotes(ctx, args[0])
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), quotes, []string{"Instrument", "Bid", "Ask", "Last", "Volume", "As Of"}, func(add func(...string)) {
				for _, q := range quotes {
					add(q.Key, formatPrice(q.Bid), formatPrice(q.Ask), formatPrice(q.Last), strconv.FormatInt(q.Volume, 10), formatTime(q.Timestamp))
				}
			})
		},
	}
}

func subscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <profile> <EXCH:SYMBOL>...",
		Short: "Start polling quotes for instruments",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			for _, key := range args[1:] {
				if err := client().Subscribe(ctx, args[0], key); err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
			}
			return nil
		},
	}
}

func unsubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <profile> <EXCH:SYMBOL>...",
		Short: "Stop polling quotes for instruments",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			for _, key := range args[1:] {
				if err := client().Unsubscribe(ctx, args[0], key); err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
			}
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

var orderHeader = []string{"Order", "Instrument", "Side", "Qty", "Filled", "Avg", "State", "Reason"}

func orderRow(o tradedesk.Order) []string {
	return []string{
		o.CorrelationID,
		o.Request.Instrument.Key(),
		o.Request.Side,
		strconv.FormatInt(o.Request.Quantity, 10),
		strconv.FormatInt(o.FilledQty, 10),
		o.AvgPrice.StringFixed(2),
		o.State,
		o.Reason,
	}
}

func ordersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orders <profile>",
		Short: "List a profile's tracked orders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			orders, err := client().Orders(ctx, args[0])
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), orders, orderHeader, func(add func(...string)) {
				for _, o := range orders {
					add(orderRow(o)...)
				}
			})
		},
	}
}

func orderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order <correlation-id>",
		Short: "Show one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			o, err := client().Order(ctx, args[0])
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), o, orderHeader, func(add func(...string)) { add(orderRow(o)...) })
		},
	}
}

func submitCmd() *cobra.Command {
	var (
		req   tradedesk.OrderRequest
		price string
		wait  bool
	)
	cmd := &cobra.Command{
		Use:   "submit <profile> <buy|sell> <EXCH:SYMBOL> <qty>",
		Short: "Submit an order",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := parseOrder(&req, args[1], args[2], args[3], price); err != nil {
				return err
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()
			c := client()
			cid, err := c.SubmitOrder(ctx, args[0], req)
			if err != nil {
				return err
			}
			if !wait {
				fmt.Fprintln(cmd.OutOrStdout(), cid)
				return nil
			}
			o, err := c.WaitOrder(ctx, cid, 500*time.Millisecond)
			if err != nil {
				return fmt.Errorf("waiting for %s: %w", cid, err)
			}
			return output(cmd.OutOrStdout(), o, orderHeader, func(add func(...string)) { add(orderRow(o)...) })
		},
	}
	cmd.Flags().StringVar(&req.Type, "type", "", "order type: market, limit (default limit when --price is set)")
	cmd.Flags().StringVar(&price, "price", "", "limit price")
	cmd.Flags().BoolVar(&req.Intraday, "intraday", false, "intraday product")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the order is terminal")
	return cmd
}

// parseOrder fills req from the side, EXCH:SYMBOL and quantity arguments.
// A price makes the order a limit order unless a type was given.
func parseOrder(req *tradedesk.OrderRequest, side, key, qtyArg, price string) error {
	exch, sym, ok := strings.Cut(key, ":")
	if !ok {
		return fmt.Errorf("instrument %q must be EXCH:SYMBOL", key)
	}
	qty, err := strconv.ParseInt(qtyArg, 10, 64)
	if err != nil {
		return fmt.Errorf("quantity %q: %w", qtyArg, err)
	}
	req.Exchange, req.Symbol, req.Side, req.Quantity = exch, sym, side, qty
	if price != "" {
		if req.Price, err = decimal.NewFromString(price); err != nil {
			return fmt.Errorf("price %q: %w", price, err)
		}
		if req.Type == "" {
			req.Type = "limit"
		}
	}
	return nil
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <correlation-id>",
		Short: "Cancel an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			return client().CancelOrder(ctx, args[0])
		},
	}
}

func cancelAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-all <profile>",
		Short: "Cancel every open order of a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			res, err := client().CancelAll(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d orders\n", res.Cancelled)
			if res.Error != "" {
				return fmt.Errorf("cancel-all incomplete: %s", res.Error)
			}
			return nil
		},
	}
}

func squareOffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "square-off <profile>",
		Short: "Close every open position of a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			res, err := client().SquareOff(ctx, args[0])
			if err != nil {
				return err
			}
			for _, cid := range res.Orders {
				fmt.Fprintln(cmd.OutOrStdout(), cid)
			}
			if res.Error != "" {
				return fmt.Errorf("square-off incomplete: %s", res.Error)
			}
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// All profiles
// ---------------------------------------------------------------------------

func allCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run an order action on every logged-in profile",
	}

	var (
		req   tradedesk.OrderRequest
		price string
	)
	submit := &cobra.Command{
		Use:   "submit <buy|sell> <EXCH:SYMBOL> <qty>",
		Short: "Submit the same order on every logged-in profile",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := parseOrder(&req, args[0], args[1], args[2], price); err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			results, err := client().SubmitAll(ctx, req)
			if err != nil {
				return err
			}
			return outputResults(cmd.OutOrStdout(), results)
		},
	}
	submit.Flags().StringVar(&req.Type, "type", "", "order type: market, limit (default limit when --price is set)")
	submit.Flags().StringVar(&price, "price", "", "limit price")
	submit.Flags().BoolVar(&req.Intraday, "intraday", false, "intraday product")

	cmd.AddCommand(
		submit,
		&cobra.Command{
			Use:   "cancel",
			Short: "Cancel every open order on every logged-in profile",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := requestContext(cmd)
				defer cancel()
				results, err := client().CancelAllProfiles(ctx)
				if err != nil {
					return err
				}
				return outputResults(cmd.OutOrStdout(), results)
			},
		},
		&cobra.Command{
			Use:   "square-off",
			Short: "Close every open position on every logged-in profile",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := requestContext(cmd)
				defer cancel()
				results, err := client().SquareOffProfiles(ctx)
				if err != nil {
					return err
				}
				return outputResults(cmd.OutOrStdout(), results)
			},
		},
	)
	return cmd
}

// outputResults prints one row per profile and fails if any profile did.
func outputResults(w io.Writer, results []tradedesk.ProfileResult) error {
	failed := 0
	err := output(w, results, []string{"Profile", "Orders", "Cancelled", "Error"}, func(add func(...string)) {
		for _, r := range results {
			add(r.Profile, strings.Join(r.Orders, " "), strconv.Itoa(r.Cancelled), r.Error)
		}
	})
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d profiles failed", failed, len(results))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Account
// ---------------------------------------------------------------------------

func accountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "account <profile>",
		Short: "Show the last refreshed positions and margin of a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			acct, err := client().Account(ctx, args[0])
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), acct, []string{"Instrument", "Net", "Avg", "Available", "Updated"}, func(add func(...string)) {
				avail := acct.Margin.Available.StringFixed(2)
				updated := formatTime(acct.UpdatedAt)
				if len(acct.Positions) == 0 {
					add("-", "0", "-", avail, updated)
				}
				for _, p := range acct.Positions {
					add(p.Instrument.Key(), strconv.FormatInt(p.NetQty, 10), p.AvgPrice.StringFixed(2), avail, updated)
				}
			})
		},
	}
}

func positionsCmd() *cobra.Command {
	var openOnly bool
	cmd := &cobra.Command{
		Use:   "positions <profile>",
		Short: "List a profile's positions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			positions, err := client().Positions(ctx, args[0], openOnly)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), positions, []string{"Instrument", "Buy", "Sell", "Net", "Avg"}, func(add func(...string)) {
				for _, p := range positions {
					add(p.Instrument.Key(), strconv.FormatInt(p.BuyQty, 10), strconv.FormatInt(p.SellQty, 10),
						strconv.FormatInt(p.NetQty, 10), p.AvgPrice.StringFixed(2))
				}
			})
		},
	}
	cmd.Flags().BoolVar(&openOnly, "open", false, "only positions with exposure")
	return cmd
}

func marginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "margin <profile>",
		Short: "Show available margin net of the risk buffer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			m, err := client().Margin(ctx, args[0])
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), m, []string{"Available", "Used"}, func(add func(...string)) {
				add(m.Available.StringFixed(2), m.Used.StringFixed(2))
			})
		},
	}
}

// ---------------------------------------------------------------------------
// Misc
// ---------------------------------------------------------------------------

func jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List background jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			jobs, err := client().Jobs(ctx)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), jobs, []string{"Job", "Busy", "Runs", "Last Error"}, func(add func(...string)) {
				for _, j := range jobs {
					add(j.Key, strconv.FormatBool(j.Busy), strconv.Itoa(j.Runs), j.LastErr)
				}
			})
		},
	}
}

func instrumentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instrument <EXCH:SYMBOL>",
		Short: "Look up an instrument in the master",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			inst, err := client().Instrument(ctx, args[0])
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), inst, []string{"Key", "Token", "Lot", "Tick", "Max Qty", "Expiry"}, func(add func(...string)) {
				add(inst.Key(), strconv.FormatInt(inst.Token, 10), strconv.FormatInt(inst.LotSize, 10),
					strconv.FormatFloat(inst.TickSize, 'f', -1, 64), strconv.FormatInt(inst.QtyLimit, 10), formatDate(inst.Expiry))
			})
		},
	}
}

func expiryCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "expiry <index>",
		Short: "Show the current derivative expiry of an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var day time.Time
			if date != "" {
				var err error
				if day, err = time.Parse("2006-01-02", date); err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
				}
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			expiry, err := client().Expiry(ctx, args[0], day)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", strings.ToUpper(args[0]), expiry.Format("2006-01-02 Mon"))
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "as-of date YYYY-MM-DD (default today)")
	return cmd
}

func optionChainCmd() *cobra.Command {
	var (
		spot float64
		date string
	)
	cmd := &cobra.Command{
		Use:   "option-chain <profile> <index>",
		Short: "Watch the calls and puts around the money at the index's current expiry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var day time.Time
			if date != "" {
				var err error
				if day, err = time.Parse("2006-01-02", date); err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
				}
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			chain, err := client().WatchOptionChain(ctx, args[0], args[1], spot, day)
			if err != nil {
				return err
			}
			if format != "json" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s expiry %s spot %s: %d watched, %d not in master\n",
					chain.Index, formatDate(chain.Expiry), formatPrice(chain.Spot), len(chain.Watched), len(chain.Missing))
			}
			return output(cmd.OutOrStdout(), chain, []string{"Instrument"}, func(add func(...string)) {
				for _, key := range chain.Watched {
					add(key)
				}
			})
		},
	}
	cmd.Flags().Float64Var(&spot, "spot", 0, "index level to centre the ladder on (default latest quote)")
	cmd.Flags().StringVar(&date, "date", "", "as-of date YYYY-MM-DD (default today)")
	return cmd
}

func eventsCmd() *cobra.Command {
	var profiles, kinds []string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream engine events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			ch, err := client().Events(ctx, profiles, kinds)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for e := range ch {
				if format == "json" {
					enc.Encode(e)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatEvent(e))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&profiles, "profile", nil, "only events of these profiles")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "only events of these kinds")
	return cmd
}

// ---------------------------------------------------------------------------
// Output helpers
// ---------------------------------------------------------------------------

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

// output writes v as JSON or as a table built by rows.
func output(w io.Writer, v any, header []string, rows func(add func(...string))) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	table := tablewriter.NewTable(w, tablewriter.WithHeader(header))
	var appendErr error
	rows(func(cells ...string) {
		if err := table.Append(cells); err != nil && appendErr == nil {
			appendErr = err
		}
	})
	if appendErr != nil {
		return appendErr
	}
	return table.Render()
}

func formatEvent(e tradedesk.Event) string {
	ts := e.Time.Local().Format("15:04:05")
	switch e.Kind {
	case "order_state":
		if e.Order != nil {
			return fmt.Sprintf("%s %s order %s %s %s", ts, e.Profile, e.Order.CorrelationID, e.Order.State, e.Order.Reason)
		}
	case "quote":
		if e.Quote != nil {
			return fmt.Sprintf("%s %s quote %s last=%s", ts, e.Profile, e.Quote.Key, formatPrice(e.Quote.Last))
		}
	case "session_state":
		return fmt.Sprintf("%s %s session %s %s", ts, e.Profile, e.Session, e.Message)
	case "account":
		if e.Account != nil {
			return fmt.Sprintf("%s %s account positions=%d available=%s", ts, e.Profile,
				len(e.Account.Positions), e.Account.Margin.Available.StringFixed(2))
		}
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s %s %s %s", ts, e.Profile, e.Kind, e.Key, e.Message))
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}
