package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/flowgate/internal/storage"
	"github.com/michaelbrown/flowgate/internal/storage/sqlite"
)

var (
	statusFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var jobsCmd = &cobra.Command{
	Use:     "jobs",
	Aliases: []string{"job", "j"},
	Short:   "Inspect jobs recorded by the gateway",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show job details, files and outcome",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

var jobsExportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Export a job as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsExport,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsDeleteCmd, jobsExportCmd)

	jobsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (pending, running, succeeded, failed, canceled)")
	jobsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max jobs to show")

	jobsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	jobsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	jobsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	status := storage.JobStatus(statusFilter)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", statusFilter)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.ListJobs(context.Background(), storage.JobListOptions{
		Status: status,
		Limit:  limitFlag,
	})
	if err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-10s %-30s %-6s %-20s %s\n", "ID", "STATUS", "NAME", "FILES", "OUTCOME", "UPDATED")
	fmt.Println(strings.Repeat("─", 95))

	for _, j := range list {
		name := j.Name
		if len(name) > 28 {
			name = name[:28] + ".."
		}
		if name == "" {
			name = "(unnamed)"
		}

		outcome := "-"
		if j.Outcome != nil {
			outcome = string(j.Outcome.Kind)
		}

		fmt.Printf("%-10s %-10s %-30s %-6d %-20s %s\n",
			shortID(j.ID), j.Status, name, len(j.Files), outcome, timeAgo(j.UpdatedAt))
	}

	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	j, err := store.GetJob(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Job:      %s\n", j.ID)
	if j.Name != "" {
		fmt.Printf("Name:     %s\n", j.Name)
	}
	fmt.Printf("Status:   %s\n", j.Status)
	fmt.Printf("Created:  %s\n", j.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", j.UpdatedAt.Format(time.RFC3339))
	if j.FinishedAt != nil {
		fmt.Printf("Finished: %s\n", j.FinishedAt.Format(time.RFC3339))
	}
	if j.Error != "" {
		fmt.Printf("Error:    %s\n", j.Error)
	}

	fmt.Printf("\nFiles: %d (%d bytes)\n", len(j.Files), j.Files.Size())
	fmt.Println(strings.Repeat("─", 60))
	for _, name := range j.Files.Names() {
		fmt.Printf("  \033[36m%s\033[0m\n", name)
		for _, line := range strings.Split(truncate(j.Files[name], 200), "\n") {
			fmt.Printf("  \033[90m│ %s\033[0m\n", line)
		}
	}

	if j.Outcome != nil {
		fmt.Printf("\nOutcome: %s (%d attempt(s), %s)\n", j.Outcome.Kind, j.Outcome.Attempts, j.Outcome.Duration)
		fmt.Println(strings.Repeat("─", 60))
		printOutcome(os.Stdout, *j.Outcome)
	}

	return nil
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	j, err := store.GetJob(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		name := j.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("Delete job %s - %q? [y/N] ", shortID(j.ID), name)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteJob(ctx, j.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted job %s\n", shortID(j.ID))
	return nil
}

func runJobsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	j, err := store.GetJob(context.Background(), args[0])
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(j)
		if err != nil {
			return err
		}
		output = string(data) + "\n"
	default:
		output = storage.ExportMarkdown(j)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
