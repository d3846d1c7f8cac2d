package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var grantSubscription bool

var balanceCmd = &cobra.Command{
	Use:   "balance <user>",
	Short: "Show a user's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalance,
}

var grantCmd = &cobra.Command{
	Use:   "grant <user> <amount>",
	Short: "Add credits to a user's balance",
	Args:  cobra.ExactArgs(2),
	RunE:  runGrant,
}

func init() {
	grantCmd.Flags().BoolVar(&grantSubscription, "subscription", false, "credit the subscription balance instead of the regular one")
	rootCmd.AddCommand(balanceCmd, grantCmd)
}

func runBalance(cmd *cobra.Command, args []string) error {
	d, closeFn, err := openDaemon(false)
	if err != nil {
		return err
	}
	defer closeFn()

	b, err := d.GetLedger().Balance(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "regular: %g\nsubscription: %g\ntotal: %g\n", b.Regular, b.Subscription, b.Total())
	return nil
}

func runGrant(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseFloat(args[1], 64)
	if err != nil || amount <= 0 {
		return fmt.Errorf("amount must be a positive number, got %q", args[1])
	}

	d, closeFn, err := openDaemon(false)
	if err != nil {
		return err
	}
	defer closeFn()

	regular, subscription := amount, 0.0
	if grantSubscription {
		regular, subscription = 0, amount
	}
	ledger := d.GetLedger()
	if err := ledger.Grant(cmd.Context(), args[0], regular, subscription); err != nil {
		return err
	}

	b, err := ledger.Balance(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "granted %g to %s (total %g)\n", amount, args[0], b.Total())
	return nil
}
