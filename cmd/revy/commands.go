package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mickamy/revy"
	"github.com/mickamy/revy/badgerstore"
	"github.com/mickamy/revy/sqlstore"
)

type options struct {
	config  string
	dialect string
	dsn     string
	badger  string
	tables  sqlstore.Tables
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "revy",
		Short:         "Inspect and manage revy audit history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.config, "config", "", "revy config file (yaml)")
	flags.StringVar(&opts.dialect, "dialect", "postgres", "SQL dialect: postgres or mysql")
	flags.StringVar(&opts.dsn, "dsn", "", "SQL data source name")
	flags.StringVar(&opts.badger, "badger", "", "BadgerDB directory, used instead of --dsn")
	flags.StringVar(&opts.tables.Revisions, "revisions-table", "", "revisions table name")
	flags.StringVar(&opts.tables.ObjectDeltas, "object-deltas-table", "", "object deltas table name")
	flags.StringVar(&opts.tables.AttributeDeltas, "attribute-deltas-table", "", "attribute deltas table name")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newMigrateCmd(opts),
		newHistoryCmd(opts),
		newRevisionCmd(opts),
	)
	return root
}

type closer func() error

// open builds the store and a handler without registered models; the
// inspection commands only read audit rows.
func (o *options) open(ctx context.Context, w io.Writer) (*revy.Handler, revy.Store, closer, error) {
	cfg := revy.Config{}
	if o.config != "" {
		var err error
		if cfg, err = revy.LoadConfig(o.config); err != nil {
			return nil, nil, nil, err
		}
	}
	cfg.Models = nil
	logger := logrus.New()
	logger.SetOutput(w)
	if o.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	cfg.Logger = logger
	codec, err := revy.CodecFor(cfg.Serialization)
	if err != nil {
		return nil, nil, nil, err
	}

	var store revy.Store
	var done closer
	switch {
	case o.badger != "":
		bcfg := badgerstore.DefaultConfig(o.badger)
		bcfg.Codec = codec
		if o.verbose {
			bcfg.Logger = logger
		}
		s, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, nil, nil, err
		}
		store, done = s, s.Close
	case o.dsn != "":
		d, err := sqlstore.ParseDialect(o.dialect)
		if err != nil {
			return nil, nil, nil, err
		}
		s, err := sqlstore.Open(ctx, o.dsn, sqlstore.Options{Dialect: d, Tables: o.tables, Codec: codec})
		if err != nil {
			return nil, nil, nil, err
		}
		store, done = s, s.Close
	default:
		return nil, nil, nil, errors.New("one of --dsn or --badger is required")
	}

	h, err := revy.New(store, cfg)
	if err != nil {
		_ = done()
		return nil, nil, nil, err
	}
	return h, store, done, nil
}

func newMigrateCmd(opts *options) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the audit tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if dryRun {
				d, err := sqlstore.ParseDialect(opts.dialect)
				if err != nil {
					return err
				}
				codec := "json"
				if opts.config != "" {
					cfg, err := revy.LoadConfig(opts.config)
					if err != nil {
						return err
					}
					if cfg.Serialization != "" {
						codec = cfg.Serialization
					}
				}
				for _, stmt := range sqlstore.DDL(d, opts.tables, codec) {
					_, _ = fmt.Fprintf(out, "%s;\n", stmt)
				}
				return nil
			}
			_, store, done, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = done() }()
			s, ok := store.(*sqlstore.Store)
			if !ok {
				_, _ = fmt.Fprintln(out, "badger stores need no migration")
				return nil
			}
			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, "audit tables ready")
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the DDL instead of running it")
	return cmd
}

func newHistoryCmd(opts *options) *cobra.Command {
	var fields bool
	cmd := &cobra.Command{
		Use:   "history <type> <id>",
		Short: "List the object deltas recorded for an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, _, done, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = done() }()

			ods, err := h.History(cmd.Context(), revy.Ref{Type: args[0], ID: args[1]})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tREVISION\tACTION\tACTOR\tDESCRIPTION\tCREATED")
			for _, od := range ods {
				_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n", od.ID, od.RevisionID, od.Action, od.Actor, od.Description, od.CreatedAt.Format("2006-01-02 15:04:05"))
				if !fields {
					continue
				}
				ads, err := h.AttributeDeltasOf(cmd.Context(), od)
				if err != nil {
					return err
				}
				writeAttributeDeltas(w, ads)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&fields, "fields", false, "include attribute deltas")
	return cmd
}

func newRevisionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "revision <id>",
		Short: "Show a revision with its deltas and actors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.Wrapf(err, "invalid revision id %q", args[0])
			}
			h, store, done, err := opts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = done() }()

			r, release, err := store.Reader(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			rev, err := r.Revision(cmd.Context(), id)
			if err != nil {
				return err
			}
			ods, err := r.ObjectDeltas(cmd.Context(), revy.Filter{RevisionID: id})
			if err != nil {
				return err
			}
			actors, err := h.RevisionActors(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "revision %d  %s\n", rev.ID, rev.CreatedAt.Format("2006-01-02 15:04:05"))
			if rev.Description != "" {
				_, _ = fmt.Fprintf(out, "description: %s\n", rev.Description)
			}
			_, _ = fmt.Fprint(out, "actors:")
			for _, a := range actors {
				_, _ = fmt.Fprintf(out, " %s", a)
			}
			_, _ = fmt.Fprintln(out)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tACTION\tTARGET\tACTOR\tDESCRIPTION")
			for _, od := range ods {
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", od.ID, od.Action, od.Target, od.Actor, od.Description)
				ads, err := r.AttributeDeltas(cmd.Context(), revy.Filter{ObjectDeltaID: od.ID})
				if err != nil {
					return err
				}
				writeAttributeDeltas(w, ads)
			}
			return w.Flush()
		},
	}
}

func writeAttributeDeltas(w io.Writer, ads []*revy.AttributeDelta) {
	for _, ad := range ads {
		_, _ = fmt.Fprintf(w, "\t  %s\t%s\t%v -> %v\t%s\n", ad.Action, ad.FieldName, ad.OldValue, ad.NewValue, ad.Actor)
	}
}
