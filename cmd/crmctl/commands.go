package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"estatecrm/api/internal/app"
	"estatecrm/api/internal/authpw"
	"estatecrm/api/internal/syncmap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// opening the runtime applies migrations
		s, err := openSession(cmd, true)
		if err != nil {
			return err
		}
		defer s.close()
		if len(s.runtime.Migrated) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		}
		for _, version := range s.runtime.Migrated {
			fmt.Fprintln(cmd.OutOrStdout(), "applied", version)
		}
		return nil
	},
}

var pullForce bool

var pullCmd = &cobra.Command{
	Use:   "pull <data-source-id>",
	Short: "Pull one data source from its sheet into the CRM",
	Long: `Pull reads the sheet behind a data source and reconciles it with the CRM table.

New rows are inserted. Rows that changed only in the sheet are updated. Rows that
changed on both sides become conflicts, unless --force is given, in which case the
sheet wins.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd, true)
		if err != nil {
			return err
		}
		defer s.close()
		result, err := s.runtime.Service.PullSync(s.ctx, args[0], app.PullOptions{Force: pullForce})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var pullAllCmd = &cobra.Command{
	Use:   "pull-all",
	Short: "Pull every auto-sync data source that is not paused",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd, true)
		if err != nil {
			return err
		}
		defer s.close()
		outcomes, err := s.runtime.Service.PullAll(s.ctx)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), outcomes); err != nil {
			return err
		}
		failed := 0
		for _, outcome := range outcomes {
			if outcome.Error != "" {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d data sources failed", failed, len(outcomes))
		}
		return nil
	},
}

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run scheduled pulls until interrupted",
	Long: `Watch schedules a pull loop for every auto-sync data source. Without --interval
each source uses its own sync interval.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd, false)
		if err != nil {
			return err
		}
		defer s.close()

		scheduler := app.NewScheduler(s.runtime.Service, s.logger, watchInterval)
		scheduled, err := scheduler.Start(s.ctx)
		if err != nil {
			return err
		}
		if scheduled == 0 {
			scheduler.Stop()
			return fmt.Errorf("no auto-sync data sources to watch")
		}
		s.logger.Info("watching", zap.Int("sources", scheduled))
		<-s.ctx.Done()
		scheduler.Stop()
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts <data-source-id>",
	Short: "List open conflicts for a data source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd, true)
		if err != nil {
			return err
		}
		defer s.close()
		entries, err := s.runtime.Service.ListConflicts(s.ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entries)
	},
}

var (
	resolveChoice string
	resolveFields string
	resolveBy     string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve one conflict",
	Long: `Resolve applies keep_crm, keep_sheet or merge to a conflict.

For merge, --fields takes a JSON object of per-field decisions, for example
'{"price":{"keep":"sheet"},"status":{"keep":"custom","value":"sold"}}'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input := app.ResolveInput{ConflictID: args[0], Choice: syncmap.Choice(strings.TrimSpace(resolveChoice))}
		if resolveFields != "" {
			if err := json.Unmarshal([]byte(resolveFields), &input.Fields); err != nil {
				return fmt.Errorf("parse --fields: %w", err)
			}
		}
		s, err := openSession(cmd, true)
		if err != nil {
			return err
		}
		defer s.close()
		result, err := s.runtime.Service.ResolveConflict(s.ctx, input, resolveBy)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var pushSource string

var pushCmd = &cobra.Command{
	Use:   "push <table> <record-id>",
	Short: "Queue a CRM record to be written back to its sheet",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd, true)
		if err != nil {
			return err
		}
		defer s.close()
		entry, err := s.runtime.Service.QueuePush(s.ctx, args[0], args[1], pushSource)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued push log %d for %s/%s\n", entry.ID, args[0], args[1])
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search index from Postgres",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd, true)
		if err != nil {
			return err
		}
		defer s.close()
		s.runtime.Search.ReindexAllFromPG(s.ctx)
		return nil
	},
}

var (
	userEmail    string
	userPassword string
	userName     string
	userRole     string
)

var createUserCmd = &cobra.Command{
	Use:   "create-user",
	Short: "Provision an agent account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd, true)
		if err != nil {
			return err
		}
		defer s.close()
		user, err := authpw.NewService(s.runtime.Store).CreateUser(s.ctx, authpw.CreateUserRequest{
			Email:       userEmail,
			Password:    userPassword,
			DisplayName: userName,
			Role:        userRole,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) as %s\n", user.Email, user.ID, user.Role)
		return nil
	},
}

func init() {
	pullCmd.Flags().BoolVar(&pullForce, "force", false, "Let the sheet win on rows that changed on both sides")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Pull every source at this interval instead of its own")

	resolveCmd.Flags().StringVar(&resolveChoice, "choice", "", "keep_crm, keep_sheet or merge")
	resolveCmd.Flags().StringVar(&resolveFields, "fields", "", "JSON per-field decisions for merge")
	resolveCmd.Flags().StringVar(&resolveBy, "by", "crmctl", "Recorded as the resolver")
	_ = resolveCmd.MarkFlagRequired("choice")

	pushCmd.Flags().StringVar(&pushSource, "source", "", "Data source id the record syncs with")
	_ = pushCmd.MarkFlagRequired("source")

	createUserCmd.Flags().StringVar(&userEmail, "email", "", "Login email")
	createUserCmd.Flags().StringVar(&userPassword, "password", "", "Initial password (8+ characters)")
	createUserCmd.Flags().StringVar(&userName, "name", "", "Display name")
	createUserCmd.Flags().StringVar(&userRole, "role", "agent", "viewer, agent, manager or admin")
	for _, name := range []string{"email", "password", "name"} {
		_ = createUserCmd.MarkFlagRequired(name)
	}
}
