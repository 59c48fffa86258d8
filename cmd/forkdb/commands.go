package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/i5heu/forkdb"
	"github.com/i5heu/forkdb/pkg/meta"
)

var (
	writeKey    string
	writePrev   []string
	writeFields []string

	listGt      string
	listLt      string
	listLimit   int
	listReverse bool
)

func init() {
	writeCmd := &cobra.Command{
		Use:   "write [file]",
		Short: "Write a commit from a file or stdin and print its hash",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runWrite,
	}
	writeCmd.Flags().StringVarP(&writeKey, "key", "k", "", "document key")
	writeCmd.Flags().StringArrayVarP(&writePrev, "prev", "p", nil, "parent commit as hash or key:hash, repeatable")
	writeCmd.Flags().StringArrayVarP(&writeFields, "field", "f", nil, "extra metadata field name=value, repeatable")

	catCmd := &cobra.Command{
		Use:   "cat <hash>",
		Short: "Print the content of a commit",
		Args:  cobra.ExactArgs(1),
		RunE:  runCat,
	}
	metaCmd := &cobra.Command{
		Use:   "meta <hash>",
		Short: "Print the metadata of a commit",
		Args:  cobra.ExactArgs(1),
		RunE:  runMeta,
	}
	headsCmd := &cobra.Command{
		Use:   "heads [key]",
		Short: "List the commits of a key nothing builds on",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(db *forkdb.ForkDB) error {
				heads, err := db.Heads(firstArg(args), listOptions())
				if err != nil {
					return err
				}
				return printLines(cmd.OutOrStdout(), heads)
			})
		},
	}
	tailsCmd := &cobra.Command{
		Use:   "tails [key]",
		Short: "List the commits of a key without parents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(db *forkdb.ForkDB) error {
				tails, err := db.Tails(firstArg(args), listOptions())
				if err != nil {
					return err
				}
				return printLines(cmd.OutOrStdout(), tails)
			})
		},
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every commit with its metadata",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "List every document key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(db *forkdb.ForkDB) error {
				return db.EachKey(listOptions(), func(key string) error {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), key)
					return err
				})
			})
		},
	}
	for _, c := range []*cobra.Command{headsCmd, tailsCmd, listCmd, keysCmd} {
		c.Flags().StringVar(&listGt, "gt", "", "only entries greater than this")
		c.Flags().StringVar(&listLt, "lt", "", "only entries less than this")
		c.Flags().IntVarP(&listLimit, "limit", "n", 0, "at most this many entries")
		c.Flags().BoolVarP(&listReverse, "reverse", "r", false, "reverse order")
	}

	linksCmd := &cobra.Command{
		Use:   "links <hash>",
		Short: "List the direct children of a commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(db *forkdb.ForkDB) error {
				links, err := db.Links(args[0])
				if err != nil {
					return err
				}
				for _, l := range links {
					if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", l.Hash, l.Key); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	historyCmd := &cobra.Command{
		Use:   "history <hash>",
		Short: "Walk from a commit towards its roots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(db *forkdb.ForkDB) error {
				return printWalk(cmd, db.History(args[0]), 0)
			})
		},
	}
	futureCmd := &cobra.Command{
		Use:   "future <hash>",
		Short: "Walk from a commit towards its heads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(db *forkdb.ForkDB) error {
				return printWalk(cmd, db.Future(args[0]), 0)
			})
		},
	}
	concestorCmd := &cobra.Command{
		Use:   "concestor <hash>...",
		Short: "Print the nearest common ancestors of the given commits",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(db *forkdb.ForkDB) error {
				hashes, err := db.Concestor(cmd.Context(), args)
				if err != nil {
					return err
				}
				return printLines(cmd.OutOrStdout(), hashes)
			})
		},
	}
	idCmd := &cobra.Command{
		Use:   "id",
		Short: "Print the replica identity and the latest sequence number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(db *forkdb.ForkDB) error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", db.ID(), db.Seq())
				return err
			})
		},
	}

	rootCmd.AddCommand(writeCmd, catCmd, metaCmd, headsCmd, tailsCmd, listCmd, keysCmd,
		linksCmd, historyCmd, futureCmd, concestorCmd, idCmd)
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func listOptions() forkdb.ListOptions {
	return forkdb.ListOptions{Gt: listGt, Lt: listLt, Limit: listLimit, Reverse: listReverse}
}

func printLines(w io.Writer, lines []string) error {
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

func parseFields(fields []string) (map[string]any, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		name, value, ok := strings.Cut(f, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("field %q is not name=value", f)
		}
		out[name] = value
	}
	return out, nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	fields, err := parseFields(writeFields)
	if err != nil {
		return err
	}
	prev := make([]meta.Ref, 0, len(writePrev))
	for _, p := range writePrev {
		prev = append(prev, meta.ParseRef(p))
	}

	body := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		body = f
	}

	return withDB(cmd.Context(), func(db *forkdb.ForkDB) error {
		hash, err := db.Write(cmd.Context(), meta.Metadata{Key: writeKey, Prev: prev, Fields: fields}, body)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
		return err
	})
}

func runCat(cmd *cobra.Command, args []string) error {
	return withDB(cmd.Context(), func(db *forkdb.ForkDB) error {
		r, err := db.CreateReadStream(args[0])
		if err != nil {
			return err
		}
		defer r.Close()
		_, err = io.Copy(cmd.OutOrStdout(), r)
		return err
	})
}

func runMeta(cmd *cobra.Command, args []string) error {
	return withDB(cmd.Context(), func(db *forkdb.ForkDB) error {
		m, err := db.Get(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	})
}

func runList(cmd *cobra.Command, args []string) error {
	return withDB(cmd.Context(), func(db *forkdb.ForkDB) error {
		entries, err := db.List(listOptions())
		if err != nil {
			return err
		}
		for _, e := range entries {
			m, err := json.Marshal(e.Meta)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", e.Hash, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// printWalk prints one commit per line and indents each branch below the
// commit it forked from.
func printWalk(cmd *cobra.Command, w *forkdb.Walker, depth int) error {
	indent := strings.Repeat("  ", depth)
	for w.Next(cmd.Context()) {
		e := w.Entry()
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s%s %s\n", indent, e.Hash, e.Meta.KeyOrDefault()); err != nil {
			return err
		}
	}
	if err := w.Err(); err != nil {
		return err
	}
	for _, b := range w.Branches() {
		if err := printWalk(cmd, b, depth+1); err != nil {
			return err
		}
	}
	return nil
}
