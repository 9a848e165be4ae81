package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/avvvet/imagechat/internal/models"
	"github.com/avvvet/imagechat/internal/prompts"
	"github.com/avvvet/imagechat/internal/storage"
)

func newPruneCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete dialogs older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(false)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("days") {
				days = cfg.RetentionDays
			}
			store, err := storage.New(cfg.DataDir, storage.WithLogger(log))
			if err != nil {
				return err
			}
			return runPrune(cmd.Context(), store, days, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 0, "Retention in days (defaults to RETENTION_DAYS)")
	return cmd
}

func runPrune(ctx context.Context, store *storage.Store, days int, w io.Writer) error {
	if days < 1 {
		return errors.Errorf("--days must be at least 1, got %d", days)
	}
	n, err := store.PruneOld(ctx, days)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "pruned %d dialog(s) older than %d day(s)\n", n, days)
	return nil
}

func newStatsCmd() *cobra.Command {
	var user int64
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print usage statistics for one user or the whole store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(false)
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			store, err := storage.New(cfg.DataDir, storage.WithLogger(log))
			if err != nil {
				return err
			}
			return runStats(cmd.Context(), store, user, loc, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64VarP(&user, "user", "u", 0, "Chat id; omit for global totals")
	return cmd
}

func runStats(ctx context.Context, store *storage.Store, user int64, loc *time.Location, w io.Writer) error {
	if user == 0 {
		s, err := store.GlobalStats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, prompts.BuildGlobalStats(s))
		return nil
	}
	s, err := store.UserStats(ctx, user)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, prompts.BuildUserStats(s, loc))
	return nil
}

var schemaTypes = map[string]func() any{
	"user":       func() any { return &models.UserProfile{} },
	"dialog":     func() any { return &models.Dialog{} },
	"turn":       func() any { return &models.TurnRequest{} },
	"turn-reply": func() any { return &models.TurnReply{} },
}

func schemaNames() []string {
	names := make([]string, 0, len(schemaTypes))
	for k := range schemaTypes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "schema <" + strings.Join(schemaNames(), "|") + ">",
		Short:     "Print the JSON schema of a persisted document or wire message",
		Args:      cobra.ExactArgs(1),
		ValidArgs: schemaNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(args[0], cmd.OutOrStdout())
		},
	}
}

func runSchema(name string, w io.Writer) error {
	newV, ok := schemaTypes[name]
	if !ok {
		return errors.Errorf("unknown schema %q, want one of %s", name, strings.Join(schemaNames(), ", "))
	}
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(newV())
	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal schema")
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
