package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db [SQL]",
	Short: "Admin access to the state store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		query := args[0]
		if isSelectLike(query) {
			return runDBQuery(cmd, a, query)
		}
		result, err := a.store.Exec(cmd.Context(), query)
		if err != nil {
			return fmt.Errorf("executing: %w", err)
		}
		n, _ := result.RowsAffected()
		fmt.Printf("%d row(s) affected\n", n)
		return nil
	},
}

func isSelectLike(query string) bool {
	trimmed := strings.TrimSpace(strings.ToUpper(query))
	return strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "PRAGMA") || strings.HasPrefix(trimmed, "EXPLAIN")
}

func runDBQuery(cmd *cobra.Command, a *app, query string) error {
	rows, err := a.store.Query(cmd.Context(), query)
	if err != nil {
		return fmt.Errorf("querying: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("reading columns: %w", err)
	}

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		parts := make([]string, len(cols))
		for i, v := range vals {
			parts[i] = fmt.Sprintf("%s=%v", cols[i], v)
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(parts, " "))
	}
	return rows.Err()
}

func init() {
	rootCmd.AddCommand(dbCmd)
}
