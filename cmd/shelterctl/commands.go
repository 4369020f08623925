package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/jacentio/shelter/store"
)

func (a *app) createCmd() *cobra.Command {
	var doc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "insert one animal record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := parseDocument(doc)
			if err != nil {
				return err
			}
			res, err := a.store.Create(cmd.Context(), store.Document(d))
			if err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), bson.D{
				{Key: "acknowledged", Value: res.Acknowledged},
				{Key: store.IDField, Value: res.ID},
			})
		},
	}
	cmd.Flags().StringVar(&doc, "doc", "", "document to insert, as Extended JSON")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "read one animal record by identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, found, err := a.store.ReadByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintln(cmd.ErrOrStderr(), "no record found")
				return nil
			}
			return writeDocument(cmd.OutOrStdout(), doc)
		},
	}
}

func (a *app) findCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "find",
		Short: "list animal records matching a filter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := parseDocument(filter)
			if err != nil {
				return err
			}
			cur, err := a.store.ReadByCriteria(cmd.Context(), store.Filter(f))
			if err != nil {
				return err
			}
			for doc, err := range cur.Documents(cmd.Context()) {
				if err != nil {
					return err
				}
				if err := writeDocument(cmd.OutOrStdout(), doc); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "filter, as Extended JSON (default: all records)")
	return cmd
}

func (a *app) updateCmd() *cobra.Command {
	var filter, set string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "set values on every record matching a filter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := parseDocument(filter)
			if err != nil {
				return err
			}
			values, err := parseDocument(set)
			if err != nil {
				return err
			}
			res, err := a.store.Update(cmd.Context(), store.Filter(f), store.Document(values))
			if err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), bson.D{
				{Key: "matched", Value: res.Matched},
				{Key: "modified", Value: res.Modified},
			})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "filter, as Extended JSON")
	cmd.Flags().StringVar(&set, "set", "", "values to set, as Extended JSON")
	_ = cmd.MarkFlagRequired("filter")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "remove every record matching a filter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := parseDocument(filter)
			if err != nil {
				return err
			}
			res, err := a.store.Delete(cmd.Context(), store.Filter(f))
			if err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), bson.D{{Key: "deleted", Value: res.Deleted}})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "filter, as Extended JSON")
	_ = cmd.MarkFlagRequired("filter")
	return cmd
}

func (a *app) countCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "count",
		Short: "count records matching a filter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := parseDocument(filter)
			if err != nil {
				return err
			}
			n, err := a.store.Count(cmd.Context(), store.Filter(f))
			if err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), bson.D{{Key: "count", Value: n}})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "filter, as Extended JSON (default: all records)")
	return cmd
}
