package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satchelhq/satchel/internal/adapters"
	"github.com/satchelhq/satchel/internal/ai"
	"github.com/satchelhq/satchel/internal/cleanup"
	"github.com/satchelhq/satchel/internal/config"
	"github.com/satchelhq/satchel/internal/credentials"
	"github.com/satchelhq/satchel/internal/importer"
	"github.com/satchelhq/satchel/internal/job"
	"github.com/satchelhq/satchel/internal/logging"
	"github.com/satchelhq/satchel/internal/pipeline"
	"github.com/satchelhq/satchel/internal/store"
	"github.com/satchelhq/satchel/internal/watch"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "satchel",
		Short: "Turn school emails into events and todos",
		Long: `Satchel scans school and activity emails, extracts the events and
action items buried in them with an AI backend, and files everything
into a local database with optional calendar sync.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("satchel %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	// init command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize satchel config and database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK        bool   `json:"ok"`
				Message   string `json:"message,omitempty"`
				ConfigDir string `json:"config_dir,omitempty"`
				DataDir   string `json:"data_dir,omitempty"`
				DBPath    string `json:"db_path,omitempty"`
			}

			configDir, err := config.GetConfigDir()
			if err != nil {
				exitError(fmt.Sprintf("Failed to get config directory: %v", err))
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				exitError(fmt.Sprintf("Failed to get data directory: %v", err))
			}
			if err := os.MkdirAll(configDir, 0755); err != nil {
				exitError(fmt.Sprintf("Failed to create config directory: %v", err))
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				exitError(fmt.Sprintf("Failed to create data directory: %v", err))
			}

			cfg, err := config.Load()
			if err != nil {
				exitError(fmt.Sprintf("Failed to load config: %v", err))
			}
			if cfg.DefaultProvider == "" {
				cfg.DefaultProvider = ai.ProviderGemini
			}
			if err := cfg.Save(); err != nil {
				exitError(fmt.Sprintf("Failed to save config: %v", err))
			}

			st, err := store.OpenDefault()
			if err != nil {
				exitError(fmt.Sprintf("Failed to initialize database: %v", err))
			}
			st.Close()

			dbPath, err := store.DefaultPath()
			if err != nil {
				exitError(fmt.Sprintf("Failed to get database path: %v", err))
			}

			result := Result{
				OK:        true,
				Message:   "Satchel initialized successfully",
				ConfigDir: configDir,
				DataDir:   dataDir,
				DBPath:    dbPath,
			}
			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ Config directory: %s\n", result.ConfigDir)
				fmt.Printf("✓ Data directory: %s\n", result.DataDir)
				fmt.Printf("✓ Database: %s\n", result.DBPath)
				fmt.Println("\nSatchel initialized successfully!")
				fmt.Println("Next: 'satchel connect gemini --api-key KEY' and 'satchel connect maildir --root DIR'")
			}
		},
	})

	// connect command group
	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "Configure providers and AI backends",
	}

	connectGeminiCmd := &cobra.Command{
		Use:   "gemini",
		Short: "Configure the Gemini backend",
		Run: func(cmd *cobra.Command, args []string) {
			connectAI(cmd, ai.ProviderGemini)
		},
	}
	connectGeminiCmd.Flags().String("api-key", "", "Gemini API key")
	connectGeminiCmd.Flags().String("model", "", "Model override")
	connectGeminiCmd.Flags().String("base-url", "", "Endpoint override")

	connectOpenAICmd := &cobra.Command{
		Use:   "openai",
		Short: "Configure the OpenAI backend",
		Run: func(cmd *cobra.Command, args []string) {
			connectAI(cmd, ai.ProviderOpenAI)
		},
	}
	connectOpenAICmd.Flags().String("api-key", "", "OpenAI API key")
	connectOpenAICmd.Flags().String("model", "", "Model override")
	connectOpenAICmd.Flags().String("base-url", "", "Endpoint override")

	connectGoogleCmd := &cobra.Command{
		Use:   "google",
		Short: "Store a Gmail/Calendar access token for a user",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool   `json:"ok"`
				Message string `json:"message,omitempty"`
			}

			user, _ := cmd.Flags().GetString("user")
			token, _ := cmd.Flags().GetString("token")
			expiresIn, _ := cmd.Flags().GetInt("expires-in")
			if user == "" || token == "" {
				exitError("The --user and --token flags are required")
			}

			cfg, err := config.Load()
			if err != nil {
				exitError(fmt.Sprintf("Failed to load config: %v", err))
			}

			tokenFile := cfg.Google.TokenFile
			if tokenFile == "" {
				dataDir, err := config.GetDataDir()
				if err != nil {
					exitError(fmt.Sprintf("Failed to get data directory: %v", err))
				}
				if err := os.MkdirAll(dataDir, 0755); err != nil {
					exitError(fmt.Sprintf("Failed to create data directory: %v", err))
				}
				tokenFile = filepath.Join(dataDir, "google_tokens.json")
				cfg.Google.TokenFile = tokenFile
				if err := cfg.Save(); err != nil {
					exitError(fmt.Sprintf("Failed to save config: %v", err))
				}
			}

			expiry := time.Now().Add(time.Duration(expiresIn) * time.Second)
			if err := credentials.NewFileStore(tokenFile).SetToken(user, token, expiry); err != nil {
				exitError(fmt.Sprintf("Failed to store token: %v", err))
			}

			if jsonOutput {
				printJSON(Result{OK: true, Message: "Google token stored"})
			} else {
				fmt.Println("✓ Google token stored")
				fmt.Printf("  Token file: %s\n", tokenFile)
				fmt.Printf("  Expires: %s\n", expiry.Format(time.RFC3339))
			}
		},
	}
	connectGoogleCmd.Flags().String("user", "", "User the token belongs to")
	connectGoogleCmd.Flags().String("token", "", "OAuth access token")
	connectGoogleCmd.Flags().Int("expires-in", 3600, "Token lifetime in seconds")

	connectMaildirCmd := &cobra.Command{
		Use:   "maildir",
		Short: "Use a local message directory instead of Gmail",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool   `json:"ok"`
				Message string `json:"message,omitempty"`
			}

			root, _ := cmd.Flags().GetString("root")
			if root == "" {
				exitError("The --root flag is required")
			}
			info, err := os.Stat(root)
			if err != nil || !info.IsDir() {
				exitError(fmt.Sprintf("%s is not a directory", root))
			}

			cfg, err := config.Load()
			if err != nil {
				exitError(fmt.Sprintf("Failed to load config: %v", err))
			}
			cfg.Maildir = root
			if err := cfg.Save(); err != nil {
				exitError(fmt.Sprintf("Failed to save config: %v", err))
			}

			if jsonOutput {
				printJSON(Result{OK: true, Message: "Maildir configured"})
			} else {
				fmt.Println("✓ Maildir configured")
				fmt.Printf("  Root: %s\n", root)
				fmt.Println("\nMessages go in <root>/<user>/*.json. Run 'satchel watch' to process them live.")
			}
		},
	}
	connectMaildirCmd.Flags().String("root", "", "Directory holding per-user message folders")

	connectCmd.AddCommand(connectGeminiCmd)
	connectCmd.AddCommand(connectOpenAICmd)
	connectCmd.AddCommand(connectGoogleCmd)
	connectCmd.AddCommand(connectMaildirCmd)
	rootCmd.AddCommand(connectCmd)

	// children command group
	childrenCmd := &cobra.Command{
		Use:   "children",
		Short: "Manage the children used for anonymization and matching",
	}

	childrenAddCmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Register a child",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool   `json:"ok"`
				Message string `json:"message,omitempty"`
				Created bool   `json:"created"`
			}

			user, _ := cmd.Flags().GetString("user")
			if user == "" {
				exitError("The --user flag is required")
			}
			yearGroup, _ := cmd.Flags().GetString("year-group")
			school, _ := cmd.Flags().GetString("school")

			st, err := store.OpenDefault()
			if err != nil {
				exitError(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer st.Close()

			created, err := st.AddChild(cmd.Context(), user, args[0], yearGroup, school)
			if err != nil {
				exitError(fmt.Sprintf("Failed to add child: %v", err))
			}

			result := Result{OK: true, Created: created}
			if created {
				result.Message = fmt.Sprintf("Added %s", args[0])
			} else {
				result.Message = fmt.Sprintf("%s is already registered", args[0])
			}
			if jsonOutput {
				printJSON(result)
			} else if created {
				fmt.Printf("✓ Added %s\n", args[0])
			} else {
				fmt.Printf("%s is already registered\n", args[0])
			}
		},
	}
	childrenAddCmd.Flags().String("user", "", "User the child belongs to")
	childrenAddCmd.Flags().String("year-group", "", "Year group, e.g. \"Year 3\"")
	childrenAddCmd.Flags().String("school", "", "School name")

	childrenListCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered children",
		Run: func(cmd *cobra.Command, args []string) {
			type ChildInfo struct {
				Name      string `json:"name"`
				YearGroup string `json:"year_group,omitempty"`
				School    string `json:"school,omitempty"`
			}
			type Result struct {
				OK       bool        `json:"ok"`
				Message  string      `json:"message,omitempty"`
				Children []ChildInfo `json:"children,omitempty"`
			}

			user, _ := cmd.Flags().GetString("user")
			if user == "" {
				exitError("The --user flag is required")
			}

			st, err := store.OpenDefault()
			if err != nil {
				exitError(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer st.Close()

			children, err := st.Children(cmd.Context(), user)
			if err != nil {
				exitError(fmt.Sprintf("Failed to list children: %v", err))
			}

			result := Result{OK: true}
			for _, c := range children {
				result.Children = append(result.Children, ChildInfo{Name: c.Name, YearGroup: c.YearGroup, School: c.School})
			}

			if jsonOutput {
				printJSON(result)
				return
			}
			if len(result.Children) == 0 {
				fmt.Println("No children registered. Run 'satchel children add NAME --user ...'")
				return
			}
			for _, c := range result.Children {
				line := c.Name
				if c.YearGroup != "" {
					line += " (" + c.YearGroup
					if c.School != "" {
						line += ", " + c.School
					}
					line += ")"
				} else if c.School != "" {
					line += " (" + c.School + ")"
				}
				fmt.Println(line)
			}
		},
	}
	childrenListCmd.Flags().String("user", "", "User to list children for")

	childrenRemoveCmd := &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a child",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool   `json:"ok"`
				Message string `json:"message,omitempty"`
				Removed bool   `json:"removed"`
			}

			user, _ := cmd.Flags().GetString("user")
			if user == "" {
				exitError("The --user flag is required")
			}

			st, err := store.OpenDefault()
			if err != nil {
				exitError(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer st.Close()

			removed, err := st.RemoveChild(cmd.Context(), user, args[0])
			if err != nil {
				exitError(fmt.Sprintf("Failed to remove child: %v", err))
			}

			result := Result{OK: true, Removed: removed}
			if removed {
				result.Message = fmt.Sprintf("Removed %s", args[0])
			} else {
				result.Message = fmt.Sprintf("No child named %s", args[0])
			}
			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Println(result.Message)
			}
		},
	}
	childrenRemoveCmd.Flags().String("user", "", "User the child belongs to")

	childrenCmd.AddCommand(childrenAddCmd)
	childrenCmd.AddCommand(childrenListCmd)
	childrenCmd.AddCommand(childrenRemoveCmd)
	rootCmd.AddCommand(childrenCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Scan the inbox and extract events and todos",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool             `json:"ok"`
				Message string           `json:"message,omitempty"`
				Job     *job.Job         `json:"job,omitempty"`
				Run     *pipeline.Result `json:"run,omitempty"`
			}

			user, _ := cmd.Flags().GetString("user")
			if user == "" {
				exitError("The --user flag is required")
			}

			var opts pipeline.Options
			opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
			reprocess, _ := cmd.Flags().GetBool("reprocess")
			opts.SkipDuplicates = !reprocess
			opts.MaxResults, _ = cmd.Flags().GetInt("max-results")
			opts.AIProvider, _ = cmd.Flags().GetString("provider")

			fromStr, _ := cmd.Flags().GetString("from")
			toStr, _ := cmd.Flags().GetString("to")
			days, _ := cmd.Flags().GetInt("days")
			if fromStr != "" {
				t, err := time.ParseInLocation("2006-01-02", fromStr, time.Local)
				if err != nil {
					exitError(fmt.Sprintf("Invalid --from date: %v", err))
				}
				opts.From = t
			}
			if toStr != "" {
				t, err := time.ParseInLocation("2006-01-02", toStr, time.Local)
				if err != nil {
					exitError(fmt.Sprintf("Invalid --to date: %v", err))
				}
				opts.To = t
			}
			if days > 0 && opts.From.IsZero() {
				now := time.Now()
				midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
				opts.From = midnight.AddDate(0, 0, -days)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pl, st, logger := mustBuildPipeline()
			defer st.Close()
			defer logger.Sync()

			res, err := pl.Run(ctx, user, opts)
			var already *pipeline.AlreadyRunningError
			if errors.As(err, &already) {
				if jsonOutput {
					printJSON(Result{OK: false, Message: err.Error(), Job: already.Job})
				} else {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
				}
				os.Exit(1)
			}
			if err != nil {
				exitError(fmt.Sprintf("Run failed: %v", err))
			}

			if jsonOutput {
				result := Result{OK: res.Success, Run: res}
				if !res.Success {
					result.Message = "Run failed"
				}
				printJSON(result)
				if !res.Success {
					os.Exit(1)
				}
				return
			}

			if !res.Success {
				fmt.Fprintln(os.Stderr, "Error: run failed")
				for _, e := range res.Errors {
					fmt.Fprintf(os.Stderr, "  - %s\n", e)
				}
				os.Exit(1)
			}

			label := "Run complete"
			if res.DryRun {
				label = "Dry run complete"
			}
			fmt.Printf("✓ %s in %s\n", label, time.Duration(res.ProcessingTimeMS)*time.Millisecond)
			fmt.Printf("  Emails: %d fetched, %d processed, %d skipped\n", res.EmailsFetched, res.EmailsProcessed, res.EmailsSkipped)
			fmt.Printf("  Created: %d events, %d todos\n", res.EventsCreated, res.TodosCreated)
			if res.Cleanup != nil && (len(res.Cleanup.CompletedTodoIDs) > 0 || len(res.Cleanup.DeletedEventIDs) > 0) {
				fmt.Printf("  Cleanup: %d todos auto-completed, %d past events removed\n",
					len(res.Cleanup.CompletedTodoIDs), len(res.Cleanup.DeletedEventIDs))
			}
			if len(res.Errors) > 0 {
				fmt.Println("  Warnings:")
				for _, e := range res.Errors {
					fmt.Printf("    - %s\n", e)
				}
			}
		},
	}
	runCmd.Flags().String("user", "", "User to run for")
	runCmd.Flags().String("from", "", "Start date (YYYY-MM-DD, inclusive)")
	runCmd.Flags().String("to", "", "End date (YYYY-MM-DD, exclusive)")
	runCmd.Flags().Int("days", 0, "Scan the last N days (ignored when --from is set)")
	runCmd.Flags().Int("max-results", 0, "Cap on fetched messages")
	runCmd.Flags().String("provider", "", "AI backend for this run (gemini, openai)")
	runCmd.Flags().Bool("dry-run", false, "Extract and count without writing anything")
	runCmd.Flags().Bool("reprocess", false, "Re-extract emails that were already processed")
	rootCmd.AddCommand(runCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last run and stored totals",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK         bool              `json:"ok"`
				Message    string            `json:"message,omitempty"`
				Job        *job.Job          `json:"job,omitempty"`
				InProgress bool              `json:"in_progress"`
				Emails     store.EmailCounts `json:"emails"`
				Events     int               `json:"events"`
				Todos      int               `json:"todos"`
			}

			user, _ := cmd.Flags().GetString("user")
			if user == "" {
				exitError("The --user flag is required")
			}

			st, err := store.OpenDefault()
			if err != nil {
				exitError(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer st.Close()

			ctx := cmd.Context()
			j, err := job.Get(ctx, st.DB(), user, job.TypeExtraction)
			if err != nil {
				exitError(fmt.Sprintf("Failed to read job: %v", err))
			}

			result := Result{OK: true, Job: j}
			if j != nil {
				result.InProgress = j.InProgress(time.Now())
			}
			if result.Emails, err = st.CountEmails(ctx, user); err != nil {
				exitError(fmt.Sprintf("Failed to count emails: %v", err))
			}
			if result.Events, err = st.CountEvents(ctx, user); err != nil {
				exitError(fmt.Sprintf("Failed to count events: %v", err))
			}
			if result.Todos, err = st.CountTodos(ctx, user); err != nil {
				exitError(fmt.Sprintf("Failed to count todos: %v", err))
			}

			if jsonOutput {
				printJSON(result)
				return
			}
			if j == nil {
				fmt.Println("No extraction job has run yet")
			} else {
				line := fmt.Sprintf("Job: %s - %s (started %s", j.Type, j.Status,
					time.Unix(j.StartedAt, 0).Format("2006-01-02 15:04:05"))
				if j.CompletedAt != nil {
					line += ", finished " + time.Unix(*j.CompletedAt, 0).Format("15:04:05")
				}
				line += ")"
				if result.InProgress {
					line += " [running]"
				}
				fmt.Println(line)
				if j.Error != nil {
					fmt.Printf("  Error: %s\n", *j.Error)
				}
			}
			fmt.Printf("Emails: %d stored, %d processed, %d analyzed\n",
				result.Emails.Total, result.Emails.Processed, result.Emails.Analyzed)
			fmt.Printf("Items: %d events, %d todos\n", result.Events, result.Todos)
		},
	}
	statusCmd.Flags().String("user", "", "User to report on")
	rootCmd.AddCommand(statusCmd)

	// events command
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "List upcoming extracted events",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool          `json:"ok"`
				Message string        `json:"message,omitempty"`
				Events  []store.Event `json:"events,omitempty"`
			}

			user, _ := cmd.Flags().GetString("user")
			if user == "" {
				exitError("The --user flag is required")
			}
			limit, _ := cmd.Flags().GetInt("limit")

			st, err := store.OpenDefault()
			if err != nil {
				exitError(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer st.Close()

			events, err := st.UpcomingEvents(cmd.Context(), user, time.Now(), limit)
			if err != nil {
				exitError(fmt.Sprintf("Failed to list events: %v", err))
			}

			if jsonOutput {
				printJSON(Result{OK: true, Events: events})
				return
			}
			if len(events) == 0 {
				fmt.Println("No upcoming events")
				return
			}
			for _, ev := range events {
				line := fmt.Sprintf("%s  %s", ev.StartAt.Format("2006-01-02 15:04"), ev.Title)
				if ev.ChildName != "" {
					line += " [" + ev.ChildName + "]"
				}
				if ev.Location != "" {
					line += " @ " + ev.Location
				}
				fmt.Printf("%s  (id %s)\n", line, ev.ID)
			}
		},
	}
	eventsCmd.Flags().String("user", "", "User to list events for")
	eventsCmd.Flags().Int("limit", 20, "Maximum events to show")
	rootCmd.AddCommand(eventsCmd)

	// todos command
	todosCmd := &cobra.Command{
		Use:   "todos",
		Short: "List open todos",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool         `json:"ok"`
				Message string       `json:"message,omitempty"`
				Todos   []store.Todo `json:"todos,omitempty"`
			}

			user, _ := cmd.Flags().GetString("user")
			if user == "" {
				exitError("The --user flag is required")
			}
			limit, _ := cmd.Flags().GetInt("limit")

			st, err := store.OpenDefault()
			if err != nil {
				exitError(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer st.Close()

			todos, err := st.OpenTodos(cmd.Context(), user, limit)
			if err != nil {
				exitError(fmt.Sprintf("Failed to list todos: %v", err))
			}

			if jsonOutput {
				printJSON(Result{OK: true, Todos: todos})
				return
			}
			if len(todos) == 0 {
				fmt.Println("No open todos")
				return
			}
			for _, t := range todos {
				line := fmt.Sprintf("[%s] %s", t.Category, t.Description)
				if !t.DueAt.IsZero() {
					line += " (due " + t.DueAt.Format("2006-01-02") + ")"
				}
				if t.ChildName != "" {
					line += " [" + t.ChildName + "]"
				}
				fmt.Printf("%s  (id %s)\n", line, t.ID)
			}
		},
	}
	todosCmd.Flags().String("user", "", "User to list todos for")
	todosCmd.Flags().Int("limit", 50, "Maximum todos to show")
	rootCmd.AddCommand(todosCmd)

	// feedback command group
	feedbackCmd := &cobra.Command{
		Use:   "feedback",
		Short: "Grade extracted items to steer future runs",
		Long: `Grades are stored per sender and fed back into extraction as few-shot
examples. Senders whose graded items are mostly irrelevant get skipped
entirely once enough grades accumulate.`,
	}

	feedbackEventCmd := &cobra.Command{
		Use:   "event ID",
		Short: "Grade an extracted event",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			irrelevant, _ := cmd.Flags().GetBool("irrelevant")
			gradeItem(cmd.Context(), args[0], store.FeedbackEvent, !irrelevant)
		},
	}
	feedbackEventCmd.Flags().Bool("irrelevant", false, "Mark the event as not relevant")

	feedbackTodoCmd := &cobra.Command{
		Use:   "todo ID",
		Short: "Grade an extracted todo",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			irrelevant, _ := cmd.Flags().GetBool("irrelevant")
			gradeItem(cmd.Context(), args[0], store.FeedbackTodo, !irrelevant)
		},
	}
	feedbackTodoCmd.Flags().Bool("irrelevant", false, "Mark the todo as not relevant")

	feedbackSendersCmd := &cobra.Command{
		Use:   "senders",
		Short: "Show sender relevance scores",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool                `json:"ok"`
				Message string              `json:"message,omitempty"`
				Senders []store.SenderScore `json:"senders,omitempty"`
			}

			user, _ := cmd.Flags().GetString("user")
			if user == "" {
				exitError("The --user flag is required")
			}
			minSamples, _ := cmd.Flags().GetInt("min-samples")

			st, err := store.OpenDefault()
			if err != nil {
				exitError(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer st.Close()

			scores, err := st.SenderScores(cmd.Context(), user, minSamples)
			if err != nil {
				exitError(fmt.Sprintf("Failed to compute scores: %v", err))
			}

			if jsonOutput {
				printJSON(Result{OK: true, Senders: scores})
				return
			}
			if len(scores) == 0 {
				fmt.Println("No senders with enough grades yet")
				return
			}
			for _, s := range scores {
				fmt.Printf("%.2f  %s (%d/%d relevant)\n", s.Score, s.Sender, s.Relevant, s.Total)
			}
		},
	}
	feedbackSendersCmd.Flags().String("user", "", "User to report on")
	feedbackSendersCmd.Flags().Int("min-samples", 1, "Minimum graded items per sender")

	feedbackCmd.AddCommand(feedbackEventCmd)
	feedbackCmd.AddCommand(feedbackTodoCmd)
	feedbackCmd.AddCommand(feedbackSendersCmd)
	rootCmd.AddCommand(feedbackCmd)

	// import command
	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a Gmail Takeout mbox into the maildir",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool                       `json:"ok"`
				Message string                     `json:"message,omitempty"`
				Import  *importer.MBoxImportResult `json:"import,omitempty"`
			}

			user, _ := cmd.Flags().GetString("user")
			if user == "" {
				exitError("The --user flag is required")
			}
			limit, _ := cmd.Flags().GetInt("limit")
			overwrite, _ := cmd.Flags().GetBool("overwrite")

			cfg, err := config.Load()
			if err != nil {
				exitError(fmt.Sprintf("Failed to load config: %v", err))
			}
			if cfg.Maildir == "" {
				exitError("Importing requires a maildir. Run 'satchel connect maildir --root DIR' first.")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := importer.ImportMBox(ctx, adapters.NewMaildir(cfg.Maildir), importer.MBoxImportOptions{
				UserID:        user,
				Path:          args[0],
				LimitMessages: limit,
				Overwrite:     overwrite,
			})
			if err != nil {
				exitError(fmt.Sprintf("Import failed: %v", err))
			}

			if jsonOutput {
				printJSON(Result{OK: true, Import: &res})
				return
			}
			fmt.Printf("✓ Imported %d of %d messages in %s\n",
				res.MessagesWritten, res.MessagesSeen, res.Duration.Round(time.Millisecond))
			if res.MessagesSkipped > 0 || res.ParseFailures > 0 || res.MessagesTruncated > 0 {
				fmt.Printf("  Skipped %d, unparseable %d, truncated %d\n",
					res.MessagesSkipped, res.ParseFailures, res.MessagesTruncated)
			}
			fmt.Printf("\nRun 'satchel run --user %s' to extract\n", user)
		},
	}
	importCmd.Flags().String("user", "", "User to import messages for")
	importCmd.Flags().Int("limit", 0, "Stop after N messages (0 = no limit)")
	importCmd.Flags().Bool("overwrite", false, "Rewrite messages that were already imported")
	rootCmd.AddCommand(importCmd)

	// sync command
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Push unsynced events to the calendar",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool   `json:"ok"`
				Message string `json:"message,omitempty"`
				Synced  int    `json:"synced"`
				Failed  int    `json:"failed"`
			}

			user, _ := cmd.Flags().GetString("user")
			if user == "" {
				exitError("The --user flag is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pl, st, logger := mustBuildPipeline()
			defer st.Close()
			defer logger.Sync()

			synced, failed, err := pl.SyncPending(ctx, user)
			if err != nil {
				exitError(fmt.Sprintf("Sync failed: %v", err))
			}

			if jsonOutput {
				printJSON(Result{OK: failed == 0, Synced: synced, Failed: failed})
			} else {
				fmt.Printf("✓ Synced %d events (%d failed)\n", synced, failed)
			}
			if failed > 0 {
				os.Exit(1)
			}
		},
	}
	syncCmd.Flags().String("user", "", "User to sync for")
	rootCmd.AddCommand(syncCmd)

	// cleanup command
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Auto-complete overdue todos and remove past events",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool            `json:"ok"`
				Message string          `json:"message,omitempty"`
				Sweep   *cleanup.Result `json:"sweep,omitempty"`
			}

			user, _ := cmd.Flags().GetString("user")
			if user == "" {
				exitError("The --user flag is required")
			}

			st, err := store.OpenDefault()
			if err != nil {
				exitError(fmt.Sprintf("Failed to open database: %v", err))
			}
			defer st.Close()

			swept, err := cleanup.New(st, logging.Nop()).Sweep(cmd.Context(), user)
			if err != nil {
				exitError(fmt.Sprintf("Cleanup failed: %v", err))
			}

			if jsonOutput {
				printJSON(Result{OK: true, Sweep: swept})
			} else {
				fmt.Printf("✓ Auto-completed %d todos, removed %d past events\n",
					len(swept.CompletedTodoIDs), len(swept.DeletedEventIDs))
			}
		},
	}
	cleanupCmd.Flags().String("user", "", "User to clean up for")
	rootCmd.AddCommand(cleanupCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the maildir and run extraction on new mail",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				exitError(fmt.Sprintf("Failed to load config: %v", err))
			}
			if cfg.Maildir == "" {
				exitError("Watching requires a maildir. Run 'satchel connect maildir --root DIR' first.")
			}

			debounce, _ := cmd.Flags().GetInt("debounce")
			initialRun, _ := cmd.Flags().GetBool("initial-run")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pl, st, logger := mustBuildPipeline()
			defer st.Close()
			defer logger.Sync()

			onChange := func(ctx context.Context, userID string) {
				res, err := pl.Run(ctx, userID, pipeline.Options{SkipDuplicates: true})
				var already *pipeline.AlreadyRunningError
				if errors.As(err, &already) {
					logger.Info("run already in progress, skipping", zap.String("user_id", userID))
					return
				}
				if err != nil {
					logger.Error("run failed", zap.String("user_id", userID), zap.Error(err))
					return
				}
				logger.Info("run triggered by mail change",
					zap.String("user_id", userID),
					zap.Bool("success", res.Success),
					zap.Int("events", res.EventsCreated),
					zap.Int("todos", res.TodosCreated))
			}

			w := watch.New(cfg.Maildir, onChange, watch.Config{
				Debounce:   time.Duration(debounce) * time.Second,
				InitialRun: initialRun,
			}, logger)

			if !jsonOutput {
				fmt.Printf("Watching %s (Ctrl+C to stop)\n", cfg.Maildir)
			}
			if err := w.Run(ctx); err != nil {
				exitError(fmt.Sprintf("Watcher failed: %v", err))
			}
		},
	}
	watchCmd.Flags().Int("debounce", 2, "Seconds to wait after the last change before running")
	watchCmd.Flags().Bool("initial-run", true, "Run once for every user directory at startup")
	rootCmd.AddCommand(watchCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// connectAI stores the API settings for one backend and makes it the
// default when none is set yet.
func connectAI(cmd *cobra.Command, provider string) {
	type Result struct {
		OK      bool   `json:"ok"`
		Message string `json:"message,omitempty"`
	}

	apiKey, _ := cmd.Flags().GetString("api-key")
	if apiKey == "" {
		exitError("The --api-key flag is required")
	}
	model, _ := cmd.Flags().GetString("model")
	baseURL, _ := cmd.Flags().GetString("base-url")

	cfg, err := config.Load()
	if err != nil {
		exitError(fmt.Sprintf("Failed to load config: %v", err))
	}

	cfg.AI[provider] = config.AIConfig{APIKey: apiKey, Model: model, BaseURL: baseURL}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = provider
	}
	if err := cfg.Save(); err != nil {
		exitError(fmt.Sprintf("Failed to save config: %v", err))
	}

	if jsonOutput {
		printJSON(Result{OK: true, Message: fmt.Sprintf("%s backend configured", provider)})
	} else {
		fmt.Printf("✓ %s backend configured\n", provider)
		if cfg.DefaultProvider == provider {
			fmt.Printf("  Default provider: %s\n", provider)
		}
	}
}

// gradeItem records relevance feedback for one stored event or todo.
func gradeItem(ctx context.Context, id, itemType string, relevant bool) {
	type Result struct {
		OK      bool   `json:"ok"`
		Message string `json:"message,omitempty"`
	}

	st, err := store.OpenDefault()
	if err != nil {
		exitError(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer st.Close()

	var userID, category, sourceEmailID string
	payload := map[string]string{}

	switch itemType {
	case store.FeedbackEvent:
		ev, err := st.GetEvent(ctx, id)
		if err != nil {
			exitError(fmt.Sprintf("Failed to load event: %v", err))
		}
		if ev == nil {
			exitError(fmt.Sprintf("No event with id %s", id))
		}
		userID = ev.UserID
		sourceEmailID = ev.SourceEmailID
		payload["title"] = ev.Title
		payload["date"] = ev.StartAt.Format("2006-01-02")
		if ev.Location != "" {
			payload["location"] = ev.Location
		}
		if ev.ChildName != "" {
			payload["child"] = ev.ChildName
		}
	case store.FeedbackTodo:
		td, err := st.GetTodo(ctx, id)
		if err != nil {
			exitError(fmt.Sprintf("Failed to load todo: %v", err))
		}
		if td == nil {
			exitError(fmt.Sprintf("No todo with id %s", id))
		}
		userID = td.UserID
		sourceEmailID = td.SourceEmailID
		category = td.Category
		payload["description"] = td.Description
		payload["category"] = td.Category
		if !td.DueAt.IsZero() {
			payload["due"] = td.DueAt.Format("2006-01-02")
		}
		if td.ChildName != "" {
			payload["child"] = td.ChildName
		}
	}

	var sender string
	if email, err := st.GetEmailByID(ctx, sourceEmailID); err == nil && email != nil {
		sender = email.Sender
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		exitError(fmt.Sprintf("Failed to encode payload: %v", err))
	}

	if err := st.AddFeedback(ctx, store.Feedback{
		UserID:      userID,
		ItemType:    itemType,
		Category:    category,
		Sender:      sender,
		PayloadJSON: string(payloadJSON),
		Relevant:    relevant,
	}); err != nil {
		exitError(fmt.Sprintf("Failed to record feedback: %v", err))
	}

	grade := "relevant"
	if !relevant {
		grade = "not relevant"
	}
	if jsonOutput {
		printJSON(Result{OK: true, Message: fmt.Sprintf("Graded %s as %s", itemType, grade)})
	} else {
		fmt.Printf("✓ Graded %s as %s\n", itemType, grade)
	}
}

// mustBuildPipeline loads config and wires the pipeline, exiting on any
// setup problem. The caller owns closing the returned store.
func mustBuildPipeline() (*pipeline.Pipeline, *store.Store, *zap.Logger) {
	cfg, err := config.Load()
	if err != nil {
		exitError(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		exitError(fmt.Sprintf("Failed to set up logging: %v", err))
	}

	st, err := store.OpenDefault()
	if err != nil {
		exitError(fmt.Sprintf("Failed to open database: %v", err))
	}

	var inbox adapters.Inbox
	var calendar adapters.Calendar
	if cfg.Maildir != "" {
		inbox = adapters.NewMaildir(cfg.Maildir)
	} else {
		tokenFile := cfg.Google.TokenFile
		if tokenFile == "" {
			dataDir, err := config.GetDataDir()
			if err != nil {
				exitError(fmt.Sprintf("Failed to get data directory: %v", err))
			}
			tokenFile = filepath.Join(dataDir, "google_tokens.json")
		}
		g := adapters.NewGoogle(credentials.NewFileStore(tokenFile), adapters.GoogleOptions{
			Workers: cfg.Pipeline.Workers,
		})
		inbox = g
		calendar = g
	}

	factory := func(provider string) (ai.Backend, error) {
		pc, ok := cfg.AI[provider]
		if !ok {
			return nil, fmt.Errorf("ai provider %q is not configured, run 'satchel connect %s'", provider, provider)
		}
		return ai.New(provider, ai.Config{APIKey: pc.APIKey, Model: pc.Model, BaseURL: pc.BaseURL})
	}

	pl := pipeline.New(st, inbox, calendar, factory, pipeline.Config{
		DefaultProvider:    cfg.DefaultProvider,
		BatchSize:          cfg.Pipeline.BatchSize,
		Workers:            cfg.Pipeline.Workers,
		MaxResults:         cfg.Pipeline.MaxResults,
		Label:              cfg.Pipeline.Label,
		FewshotPerCategory: cfg.Pipeline.FewshotPerCategory,
		MinSenderSamples:   cfg.Pipeline.MinSenderSamples,
		MinSenderScore:     cfg.Pipeline.MinSenderScore,
		CalendarSync:       cfg.CalendarSync,
	}, logger)

	return pl, st, logger
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// exitError prints a failure in the selected output format and exits.
func exitError(message string) {
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": message})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	}
	os.Exit(1)
}
