package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/stackfold/sheetsync"
	"github.com/stackfold/sheetsync/config"
	"github.com/stackfold/sheetsync/engine"
	"github.com/stackfold/sheetsync/gateway/httpgateway"
	"github.com/stackfold/sheetsync/ledger"
	"github.com/stackfold/sheetsync/logging"
	"github.com/stackfold/sheetsync/sheet"
	"github.com/stackfold/sheetsync/storage/sqlite"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DefaultPath()
}

// newClient reads the config and assembles a Client. The caller must defer
// client.Close().
func newClient() (*sheetsync.Client, *config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.ReadFromFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logging.Init(cfg.Logging)

	store, err := sqlite.New(sqlite.DefaultConfig(cfg.DatabasePath))
	if err != nil {
		return nil, nil, fmt.Errorf("opening local store: %w", err)
	}

	gw := httpgateway.New(cfg.Gateway.BaseURL,
		httpgateway.WithTokenProvider(cfg.TokenProvider()),
	)

	client, err := sheetsync.NewClientBuilder().
		WithGateway(gw).
		WithStore(store).
		Build()
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("initializing client: %w", err)
	}
	return client, cfg, nil
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", what, arg, err)
	}
	return id, nil
}

var rootCmd = &cobra.Command{
	Use:   "sheetsync",
	Short: "Offline sheet editing with conflict resolution",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init BASE_URL",
	Short: "Initialize configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		dataDir, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("resolving cache directory: %w", err)
		}

		cfg := config.NewConfig(dataDir)
		cfg.Gateway.BaseURL = args[0]

		if err := config.Init(path, cfg); err != nil {
			return err
		}
		fmt.Printf("Configuration initialized at %s\n", path)
		fmt.Printf("Database: %s\n", cfg.DatabasePath)
		fmt.Printf("Set %s to your API token.\n", cfg.Gateway.TokenEnv)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		cfg, err := config.ReadFromFile(path)
		if err != nil {
			return err
		}
		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Database: %s\n", cfg.DatabasePath)
		fmt.Printf("Gateway:  %s\n", cfg.Gateway.BaseURL)
		fmt.Printf("Author:   %s\n", cfg.Author)
		return nil
	},
}

// sheets command
var sheetsCmd = &cobra.Command{
	Use:   "sheets",
	Short: "List available sheets",
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")

		client, _, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx := cmd.Context()
		var summaries []sheet.Summary
		if refresh {
			summaries, err = client.RefreshSheetList(ctx)
		} else {
			summaries, err = client.Sheets(ctx)
		}
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("No sheets cached. Run with --refresh while online.")
			return nil
		}

		for _, s := range summaries {
			pending := " "
			if has, _ := client.HasPendingChanges(ctx, s.ID); has {
				pending = "*"
			}
			fmt.Printf("%s %-12d %-40s %s\n", pending, s.ID, s.Name,
				s.ModifiedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// pull command
var pullCmd = &cobra.Command{
	Use:   "pull SHEET_ID",
	Short: "Fetch a sheet and cache it locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sheetID, err := parseID(args[0], "sheet id")
		if err != nil {
			return err
		}

		client, _, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		snap, err := client.RefreshSheet(cmd.Context(), sheetID)
		if err != nil {
			return err
		}
		fmt.Printf("Cached %q: %d rows, %d columns\n", snap.Name, len(snap.Rows), len(snap.Columns))
		return nil
	},
}

// show command
var showCmd = &cobra.Command{
	Use:   "show SHEET_ID",
	Short: "Display the cached sheet with pending edits applied",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sheetID, err := parseID(args[0], "sheet id")
		if err != nil {
			return err
		}

		client, _, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx := cmd.Context()
		snap, err := client.Sheet(ctx, sheetID)
		if err != nil {
			return err
		}
		edits, err := client.PendingEdits(ctx, sheetID)
		if err != nil {
			return err
		}
		pending := make(map[sheet.CellKey]ledger.PendingEdit, len(edits))
		for _, e := range edits {
			pending[e.Key()] = e
		}

		fmt.Printf("%s (sheet %d)\n\n", snap.Name, snap.ID)
		fmt.Printf("%-10s", "row")
		for _, col := range snap.Columns {
			fmt.Printf("  %-20s", col.Title)
		}
		fmt.Println()
		for _, row := range snap.Rows {
			fmt.Printf("%-10d", row.ID)
			for _, col := range snap.Columns {
				value, _ := snap.CellValue(row.ID, col.ID)
				marker := ""
				if e, ok := pending[sheet.CellKey{SheetID: sheetID, RowID: row.ID, ColumnID: col.ID}]; ok {
					value = e.NewValue
					marker = "*"
				}
				fmt.Printf("  %-20s", sheet.FormatValue(value)+marker)
			}
			fmt.Println()
		}
		if len(edits) > 0 {
			fmt.Printf("\n%d pending edit(s) marked with *\n", len(edits))
		}
		return nil
	},
}

// edit command
var editCmd = &cobra.Command{
	Use:   "edit SHEET_ID ROW_ID COLUMN_ID [VALUE]",
	Short: "Record a cell edit locally",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		clear, _ := cmd.Flags().GetBool("clear")

		sheetID, err := parseID(args[0], "sheet id")
		if err != nil {
			return err
		}
		rowID, err := parseID(args[1], "row id")
		if err != nil {
			return err
		}
		columnID, err := parseID(args[2], "column id")
		if err != nil {
			return err
		}

		var value *string
		switch {
		case clear && len(args) == 4:
			return fmt.Errorf("--clear and a value are mutually exclusive")
		case clear:
		case len(args) == 4:
			value = sheet.StringValue(args[3])
		default:
			return fmt.Errorf("provide a value or --clear")
		}

		client, _, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		edit, err := client.RecordEdit(cmd.Context(), sheetID, rowID, columnID, value)
		if err != nil {
			return err
		}
		fmt.Printf("Recorded: cell (%d, %d) %s -> %s\n", rowID, columnID,
			sheet.FormatValue(edit.Baseline), sheet.FormatValue(edit.NewValue))
		return nil
	},
}

// comment command
var commentCmd = &cobra.Command{
	Use:   "comment SHEET_ID ROW_ID TEXT",
	Short: "Record a comment locally",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		sheetLevel, _ := cmd.Flags().GetBool("sheet")

		sheetID, err := parseID(args[0], "sheet id")
		if err != nil {
			return err
		}
		parentID, err := parseID(args[1], "row id")
		if err != nil {
			return err
		}

		client, cfg, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		kind := ledger.ParentRow
		if sheetLevel {
			kind = ledger.ParentSheet
			parentID = sheetID
		}
		d, err := client.Comment(cmd.Context(), sheetID, parentID, kind, args[2], cfg.Author)
		if err != nil {
			return err
		}
		fmt.Printf("Recorded comment %s\n", d.ID)
		return nil
	},
}

// pending command
var pendingCmd = &cobra.Command{
	Use:   "pending SHEET_ID",
	Short: "List unsynced edits and comments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sheetID, err := parseID(args[0], "sheet id")
		if err != nil {
			return err
		}

		client, _, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx := cmd.Context()
		edits, err := client.PendingEdits(ctx, sheetID)
		if err != nil {
			return err
		}
		comments, err := client.PendingComments(ctx, sheetID)
		if err != nil {
			return err
		}
		if len(edits) == 0 && len(comments) == 0 {
			fmt.Println("Nothing pending.")
			return nil
		}

		for _, e := range edits {
			fmt.Printf("edit     (%d, %d)  %s -> %s  %s\n", e.RowID, e.ColumnID,
				sheet.FormatValue(e.Baseline), sheet.FormatValue(e.NewValue),
				e.RecordedAt.Format("2006-01-02 15:04:05"))
		}
		for _, c := range comments {
			fmt.Printf("comment  %s on %s %d: %q\n", c.ID, c.ParentKind, c.ParentID, c.Text)
		}
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync SHEET_ID",
	Short: "Check pending edits against the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sheetID, err := parseID(args[0], "sheet id")
		if err != nil {
			return err
		}

		client, _, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		conflicts, err := client.CheckForConflicts(cmd.Context(), sheetID)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts. Run publish to send pending changes.")
			return nil
		}
		printConflicts(conflicts)
		return nil
	},
}

// conflicts command
var conflictsCmd = &cobra.Command{
	Use:   "conflicts SHEET_ID",
	Short: "List unresolved conflicts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sheetID, err := parseID(args[0], "sheet id")
		if err != nil {
			return err
		}

		client, _, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		// The conflict list lives for one process; recompute it here rather
		// than reading the empty list of a fresh client.
		conflicts, err := client.CheckForConflicts(cmd.Context(), sheetID)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("No unresolved conflicts.")
			return nil
		}
		printConflicts(conflicts)
		return nil
	},
}

func printConflicts(conflicts []engine.Conflict) {
	for _, c := range conflicts {
		if c.Kind == engine.KindDeletedRemotely {
			fmt.Printf("cell (%d, %d): deleted on server, local edit %s\n",
				c.RowID, c.ColumnID, sheet.FormatValue(c.LocalValue))
			continue
		}
		fmt.Printf("cell (%d, %d): server %s, local %s (baseline %s)\n",
			c.RowID, c.ColumnID,
			sheet.FormatValue(c.ServerValue),
			sheet.FormatValue(c.LocalValue),
			sheet.FormatValue(c.Edit.Baseline))
	}
	fmt.Printf("\n%d conflict(s). Resolve with: sheetsync resolve SHEET_ID ROW_ID COLUMN_ID --keep local|remote\n", len(conflicts))
}

// resolve command
var resolveCmd = &cobra.Command{
	Use:   "resolve SHEET_ID ROW_ID COLUMN_ID",
	Short: "Resolve a conflict",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, _ := cmd.Flags().GetString("keep")
		if keep != "local" && keep != "remote" {
			return fmt.Errorf("--keep must be local or remote, got %q", keep)
		}

		sheetID, err := parseID(args[0], "sheet id")
		if err != nil {
			return err
		}
		rowID, err := parseID(args[1], "row id")
		if err != nil {
			return err
		}
		columnID, err := parseID(args[2], "column id")
		if err != nil {
			return err
		}

		client, _, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		// Recompute conflicts in this process; a prior sync ran in another
		// one and its conflict list died with it.
		ctx := cmd.Context()
		conflicts, err := client.CheckForConflicts(ctx, sheetID)
		if err != nil {
			return err
		}
		for _, c := range conflicts {
			if c.RowID != rowID || c.ColumnID != columnID {
				continue
			}
			if err := client.Resolve(ctx, c, keep == "local"); err != nil {
				return err
			}
			if keep == "remote" {
				fmt.Println("Resolved: keeping server value")
				return nil
			}
			// Resolutions only live for this process, so the kept edit must
			// publish now or the next invocation would flag it again.
			result, err := client.Publish(ctx, sheetID)
			if err != nil {
				return err
			}
			fmt.Printf("Resolved: keeping local value; published %d cell(s), %d comment(s)\n",
				result.CellsPublished, result.CommentsPublished)
			if result.CellsHeldBack > 0 {
				fmt.Printf("%d cell(s) held back by other unresolved conflicts\n", result.CellsHeldBack)
			}
			return nil
		}
		return fmt.Errorf("no unresolved conflict at cell (%d, %d)", rowID, columnID)
	},
}

// publish command
var publishCmd = &cobra.Command{
	Use:   "publish SHEET_ID",
	Short: "Send pending changes to the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sheetID, err := parseID(args[0], "sheet id")
		if err != nil {
			return err
		}

		client, _, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		// Check first so conflicted cells are held back; a fresh client's
		// conflict list is empty and would let them through.
		ctx := cmd.Context()
		if _, err := client.CheckForConflicts(ctx, sheetID); err != nil {
			return err
		}

		result, err := client.Publish(ctx, sheetID)
		if err != nil {
			return err
		}
		fmt.Printf("Published %d cell(s), %d comment(s)\n", result.CellsPublished, result.CommentsPublished)
		if result.CellsHeldBack > 0 {
			fmt.Printf("%d cell(s) held back by unresolved conflicts\n", result.CellsHeldBack)
		}
		return nil
	},
}

// discard command
var discardCmd = &cobra.Command{
	Use:   "discard SHEET_ID [ROW_ID COLUMN_ID]",
	Short: "Drop pending changes without publishing",
	Args:  cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 2 {
			return fmt.Errorf("discard takes a SHEET_ID alone, or SHEET_ID ROW_ID COLUMN_ID")
		}
		sheetID, err := parseID(args[0], "sheet id")
		if err != nil {
			return err
		}

		client, _, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx := cmd.Context()
		if len(args) == 3 {
			rowID, err := parseID(args[1], "row id")
			if err != nil {
				return err
			}
			columnID, err := parseID(args[2], "column id")
			if err != nil {
				return err
			}
			key := sheet.CellKey{SheetID: sheetID, RowID: rowID, ColumnID: columnID}
			if err := client.DiscardEdit(ctx, key); err != nil {
				return err
			}
			fmt.Printf("Discarded edit at cell (%d, %d)\n", rowID, columnID)
			return nil
		}

		if err := client.DiscardAll(ctx, sheetID); err != nil {
			return err
		}
		fmt.Printf("Discarded all pending changes for sheet %d\n", sheetID)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)

	sheetsCmd.Flags().Bool("refresh", false, "Fetch the list from the server")
	rootCmd.AddCommand(sheetsCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(showCmd)

	editCmd.Flags().Bool("clear", false, "Clear the cell instead of setting a value")
	rootCmd.AddCommand(editCmd)

	commentCmd.Flags().Bool("sheet", false, "Attach the comment to the sheet instead of a row")
	rootCmd.AddCommand(commentCmd)

	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(conflictsCmd)

	resolveCmd.Flags().String("keep", "", "Which value wins: local or remote")
	rootCmd.AddCommand(resolveCmd)

	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(discardCmd)
}
