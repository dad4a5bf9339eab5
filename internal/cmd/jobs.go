package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/clipforge/internal/observability"
	"github.com/3leaps/clipforge/pkg/job"
	"github.com/3leaps/clipforge/pkg/jobengine"
	"github.com/3leaps/clipforge/pkg/jobstore"
	"github.com/3leaps/clipforge/pkg/transform"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and maintain crop jobs",
	Long: `Inspect job records in the local job database.

These commands read the same database as 'clipforge serve' and are safe to
run while the server is up. Output is a table by default; use --output json
or --output yaml for machine parsing.`,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail processing jobs that stopped reporting progress",
	Long: `Fail every processing job whose record has not changed for --stale-after.

The running server does this on its own every jobs.reap_interval; this
command is for one-off sweeps.`,
	RunE: runJobsReap,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsReapCmd)

	jobsCmd.PersistentFlags().StringP("output", "o", "table", "Output format: table, json, yaml")
	jobsListCmd.Flags().String("owner", "", "Only jobs owned by this user id")
	jobsListCmd.Flags().String("state", "", "Only jobs in this state")
	jobsListCmd.Flags().Int("limit", 50, "Maximum jobs to list")
	jobsReapCmd.Flags().Duration("stale-after", jobengine.DefaultStaleAfter, "Age after which a processing job is stale")
}

func openJobStore(cmd *cobra.Command) (*jobstore.Store, error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	path, err := resolveStorePath(cfg)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to resolve job database path", err)
	}
	if path != ":memory:" {
		if _, err := os.Stat(path); err != nil {
			return nil, exitError(foundry.ExitFileNotFound, "Job database not found", err)
		}
	}
	store, err := jobstore.Open(ctx, jobstore.Config{Path: path})
	if err != nil {
		return nil, exitError(foundry.ExitFileNotFound, "Failed to open job database", err)
	}
	return store, nil
}

func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("output")
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "table", "json", "yaml":
		return format, nil
	default:
		return "", exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("output must be one of: table, json, yaml"))
	}
}

// encode writes v as JSON or YAML. It reports false for table output.
func encode(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return true, enc.Encode(v)
	}
	return false, nil
}

// jobView is the CLI rendering of a job.
type jobView struct {
	ID          string    `json:"jobId" yaml:"job_id"`
	Type        string    `json:"type" yaml:"type"`
	State       string    `json:"state" yaml:"state"`
	Progress    int       `json:"progress" yaml:"progress"`
	Owner       string    `json:"owner" yaml:"owner"`
	Username    string    `json:"username,omitempty" yaml:"username,omitempty"`
	Source      string    `json:"source" yaml:"source"`
	Start       float64   `json:"start" yaml:"start"`
	End         float64   `json:"end" yaml:"end"`
	AspectRatio string    `json:"aspectRatio,omitempty" yaml:"aspect_ratio,omitempty"`
	ResultKey   string    `json:"resultKey,omitempty" yaml:"result_key,omitempty"`
	ResultURL   string    `json:"resultUrl,omitempty" yaml:"result_url,omitempty"`
	Error       string    `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"updated_at"`
}

func newJobView(j job.Job) jobView {
	v := jobView{
		ID:          j.ID,
		Type:        string(j.Type),
		State:       j.State.String(),
		Progress:    j.Progress,
		Owner:       j.Owner.UserID,
		Username:    j.Owner.Username,
		Source:      j.Source.String(),
		Start:       j.Params.Start,
		End:         j.Params.End,
		AspectRatio: j.Params.AspectRatio,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt.UTC(),
		UpdatedAt:   j.UpdatedAt.UTC(),
	}
	if j.Result != nil {
		v.ResultKey = j.Result.Key
		v.ResultURL = j.Result.URL
	}
	return v
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return exitError(foundry.ExitInvalidArgument, "Invalid job id", fmt.Errorf("job_id is required"))
	}

	store, err := openJobStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	j, err := store.Get(cmd.Context(), jobID)
	if err != nil {
		if job.IsNotFound(err) {
			return exitError(foundry.ExitFileNotFound, "Job not found", err)
		}
		return exitError(foundry.ExitFileNotFound, "Failed to read job", err)
	}
	return writeJobStatus(os.Stdout, format, newJobView(*j))
}

func writeJobStatus(w io.Writer, format string, v jobView) error {
	if done, err := encode(w, format, v); done {
		return err
	}

	_, _ = fmt.Fprintf(w, "job_id=%s\n", v.ID)
	_, _ = fmt.Fprintf(w, "state=%s\n", v.State)
	_, _ = fmt.Fprintf(w, "progress=%d\n", v.Progress)
	_, _ = fmt.Fprintf(w, "owner=%s\n", v.Owner)
	_, _ = fmt.Fprintf(w, "source=%s\n", v.Source)
	_, _ = fmt.Fprintf(w, "range=%g-%g\n", v.Start, v.End)
	if v.AspectRatio != "" {
		_, _ = fmt.Fprintf(w, "aspect_ratio=%s\n", v.AspectRatio)
	}
	if v.ResultKey != "" {
		_, _ = fmt.Fprintf(w, "result_key=%s\n", v.ResultKey)
	}
	if v.ResultURL != "" {
		_, _ = fmt.Fprintf(w, "result_url=%s\n", v.ResultURL)
	}
	if v.Error != "" {
		_, _ = fmt.Fprintf(w, "error=%s\n", v.Error)
	}
	_, _ = fmt.Fprintf(w, "created_at=%s\n", v.CreatedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "updated_at=%s\n", v.UpdatedAt.Format(time.RFC3339))
	return nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	owner, _ := cmd.Flags().GetString("owner")
	stateRaw, _ := cmd.Flags().GetString("state")
	limit, _ := cmd.Flags().GetInt("limit")

	opts := jobstore.ListOptions{OwnerID: strings.TrimSpace(owner), Limit: limit}
	if stateRaw != "" {
		state, err := job.ParseState(strings.ToLower(stateRaw))
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --state value", err)
		}
		opts.State = state
	}

	store, err := openJobStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	jobs, err := store.List(cmd.Context(), opts)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to list jobs", err)
	}

	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, newJobView(j))
	}
	return writeJobList(os.Stdout, format, views)
}

func writeJobList(w io.Writer, format string, views []jobView) error {
	if done, err := encode(w, format, views); done {
		return err
	}
	if len(views) == 0 {
		_, _ = fmt.Fprintln(w, "No jobs found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "JOB ID\tSTATE\tPROGRESS\tOWNER\tCREATED\tRESULT")
	for _, v := range views {
		result := v.ResultKey
		if result == "" {
			result = "-"
		}
		if v.Error != "" {
			result = v.Error
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d%%\t%s\t%s\t%s\n",
			shortJobID(v.ID),
			v.State,
			v.Progress,
			v.Owner,
			v.CreatedAt.Format(time.RFC3339),
			result,
		)
	}
	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

// idleRunner backs an engine that is never started.
type idleRunner struct{}

func (idleRunner) Run(context.Context, job.Job, transform.Reporter) {}

func runJobsReap(cmd *cobra.Command, _ []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	staleAfter, _ := cmd.Flags().GetDuration("stale-after")
	if staleAfter <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --stale-after value", fmt.Errorf("stale-after must be positive"))
	}

	store, err := openJobStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	engine, err := jobengine.New(store, idleRunner{}, jobengine.Config{StaleAfter: staleAfter}, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to create job engine", err)
	}
	res, err := engine.Reap(cmd.Context())
	if err != nil {
		observability.CLILogger.Error("Reap failed", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Reap failed", err)
	}

	if done, err := encode(os.Stdout, format, res); done {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "checked=%d failed=%d\n", res.Checked, len(res.Failed))
	for _, id := range res.Failed {
		_, _ = fmt.Fprintf(os.Stdout, "failed %s\n", id)
	}
	return nil
}
