package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andreyvit/ckv"
	"github.com/andreyvit/ckv/changelog"
)

func addDataCommands(root *cobra.Command) {
	getCmd := &cobra.Command{
		Use:   "get <collection> <key>",
		Short: "Print the object (and optionally metadata) stored under a key",
		Args:  cobra.ExactArgs(2),
		RunE:  runGet,
	}
	getCmd.Flags().Bool("meta", false, "also print metadata")

	putCmd := &cobra.Command{
		Use:   "put <collection> <key> <json>",
		Short: "Store a JSON object under a key",
		Args:  cobra.ExactArgs(3),
		RunE:  runPut,
	}
	putCmd.Flags().String("meta", "", "JSON metadata to store along with the object")

	rmCmd := &cobra.Command{
		Use:   "rm <collection> [key...]",
		Short: "Remove keys, a whole collection, or everything",
		Args:  cobra.MinimumNArgs(0),
		RunE:  runRemove,
	}
	rmCmd.Flags().Bool("collection", false, "remove the whole collection")
	rmCmd.Flags().Bool("all", false, "remove every row of every collection")

	lsCmd := &cobra.Command{
		Use:   "ls [collection...]",
		Short: "List keys",
		RunE:  runList,
	}
	lsCmd.Flags().String("prefix", "", "only keys with this prefix")
	lsCmd.Flags().Int("limit", 0, "stop after this many keys")
	lsCmd.Flags().Bool("reverse", false, "list in reverse key order")
	lsCmd.Flags().Bool("values", false, "print objects too")

	collectionsCmd := &cobra.Command{
		Use:   "collections",
		Short: "List collections with their key counts",
		Args:  cobra.NoArgs,
		RunE:  runCollections,
	}

	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump every row",
		Args:  cobra.NoArgs,
		RunE:  runDump,
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print database statistics as JSON",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}

	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print metrics in Prometheus text format",
		Args:  cobra.NoArgs,
		RunE:  runMetrics,
	}

	changesCmd := &cobra.Command{
		Use:   "changes",
		Short: "Print the change log recorded with --changelog",
		Args:  cobra.NoArgs,
		RunE:  runChanges,
	}
	changesCmd.Flags().Uint64("from", 0, "first record sequence number to print")

	root.AddCommand(getCmd, putCmd, rmCmd, lsCmd, collectionsCmd, dumpCmd, statsCmd, metricsCmd, changesCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runGet(cmd *cobra.Command, args []string) error {
	_, conn, done, err := openDB()
	if err != nil {
		return err
	}
	defer done()
	withMeta, _ := cmd.Flags().GetBool("meta")

	return conn.Read(cmd.Context(), func(tx *ckv.ReadTx) error {
		obj, meta, ok, err := tx.Row(args[0], args[1])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s/%s not found", args[0], args[1])
		}
		if withMeta {
			return printJSON(cmd.OutOrStdout(), map[string]any{"object": obj, "metadata": meta})
		}
		return printJSON(cmd.OutOrStdout(), obj)
	})
}

func runPut(cmd *cobra.Command, args []string) error {
	var obj, meta any
	if err := json.Unmarshal([]byte(args[2]), &obj); err != nil {
		return fmt.Errorf("invalid object JSON: %w", err)
	}
	if s, _ := cmd.Flags().GetString("meta"); s != "" {
		if err := json.Unmarshal([]byte(s), &meta); err != nil {
			return fmt.Errorf("invalid metadata JSON: %w", err)
		}
	}

	_, conn, done, err := openDB()
	if err != nil {
		return err
	}
	defer done()

	return conn.Write(cmd.Context(), func(tx *ckv.WriteTx) error {
		return tx.Put(args[0], args[1], obj, meta)
	})
}

func runRemove(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	wholeColl, _ := cmd.Flags().GetBool("collection")
	switch {
	case all && len(args) > 0:
		return fmt.Errorf("--all takes no arguments")
	case !all && len(args) == 0:
		return fmt.Errorf("collection required")
	case wholeColl && len(args) != 1:
		return fmt.Errorf("--collection takes exactly one collection")
	case !all && !wholeColl && len(args) < 2:
		return fmt.Errorf("keys required (or pass --collection)")
	}

	_, conn, done, err := openDB()
	if err != nil {
		return err
	}
	defer done()

	return conn.Write(cmd.Context(), func(tx *ckv.WriteTx) error {
		switch {
		case all:
			return tx.RemoveAll()
		case wholeColl:
			return tx.RemoveAllInCollection(args[0])
		default:
			return tx.RemoveKeys(args[0], args[1:]...)
		}
	})
}

func runList(cmd *cobra.Command, args []string) error {
	prefix, _ := cmd.Flags().GetString("prefix")
	limit, _ := cmd.Flags().GetInt("limit")
	reverse, _ := cmd.Flags().GetBool("reverse")
	values, _ := cmd.Flags().GetBool("values")

	_, conn, done, err := openDB()
	if err != nil {
		return err
	}
	defer done()

	scope := ckv.AllCollections()
	if len(args) > 0 {
		scope = ckv.InCollections(args...)
	}
	rang := ckv.KeysWithPrefix(prefix)
	if reverse {
		rang = rang.Reversed()
	}
	scope = scope.Keys(rang)

	out := cmd.OutOrStdout()
	return conn.Read(cmd.Context(), func(tx *ckv.ReadTx) error {
		var n int
		visit := func(e ckv.Entry) bool {
			if values {
				raw, _ := json.Marshal(e.Object)
				fmt.Fprintf(out, "%s\t%s\t%s\n", e.Collection, e.Key, raw)
			} else {
				fmt.Fprintf(out, "%s\t%s\n", e.Collection, e.Key)
			}
			n++
			return limit <= 0 || n < limit
		}
		if values {
			return tx.ForEachKeyAndObject(scope, nil, visit)
		}
		return tx.ForEachKey(scope, nil, visit)
	})
}

func runCollections(cmd *cobra.Command, args []string) error {
	_, conn, done, err := openDB()
	if err != nil {
		return err
	}
	defer done()

	out := cmd.OutOrStdout()
	return conn.Read(cmd.Context(), func(tx *ckv.ReadTx) error {
		colls, err := tx.Collections()
		if err != nil {
			return err
		}
		for _, c := range colls {
			n, err := tx.NumberOfKeysInCollection(c)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s\t%d\n", c, n)
		}
		return nil
	})
}

func runDump(cmd *cobra.Command, args []string) error {
	_, conn, done, err := openDB()
	if err != nil {
		return err
	}
	defer done()

	return conn.Read(cmd.Context(), func(tx *ckv.ReadTx) error {
		_, err := io.WriteString(cmd.OutOrStdout(), tx.Dump(ckv.DumpAll))
		return err
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	db, conn, done, err := openDB()
	if err != nil {
		return err
	}
	defer done()

	var store ckv.StoreStats
	err = conn.Read(cmd.Context(), func(tx *ckv.ReadTx) error {
		var err error
		store, err = tx.StoreStats()
		return err
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"db":    db.Stats(),
		"store": store,
	})
}

func runMetrics(cmd *cobra.Command, args []string) error {
	db, _, done, err := openDB()
	if err != nil {
		return err
	}
	defer done()

	db.WritePrometheus(cmd.OutOrStdout())
	return nil
}

func runChanges(cmd *cobra.Command, args []string) error {
	dir := viper.GetString("changelog")
	if dir == "" {
		return fmt.Errorf("--changelog required")
	}
	from, _ := cmd.Flags().GetUint64("from")

	out := cmd.OutOrStdout()
	for rec, err := range changelog.Records(dir, changelogOptions(), from) {
		if err != nil {
			return err
		}
		e, err := changelog.DecodeEntry(rec.Data)
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.Seq, err)
		}
		fmt.Fprintf(out, "%d\t%s\tsnapshot=%d conn=%d", rec.Seq, rec.Time.Format(time.RFC3339), e.Snapshot, e.Origin)
		if e.AllRemoved {
			fmt.Fprint(out, " remove-all")
		}
		for _, c := range e.RemovedCollections {
			fmt.Fprintf(out, " remove-collection:%s", c)
		}
		for _, r := range e.Updated {
			fmt.Fprintf(out, " update:%s", r)
		}
		for _, r := range e.Removed {
			fmt.Fprintf(out, " remove:%s", r)
		}
		fmt.Fprintln(out)
	}
	return nil
}
