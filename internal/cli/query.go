package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/mohans/jobstatus"
)

var (
	showLive     bool
	uniqueLatest bool
)

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one job status record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		rec, err := store.Get(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("get %d: %w", id, err)
		}
		out := map[string]any{
			"record":              rec,
			"progress_percentage": rec.ProgressPercentage(),
		}
		if showLive {
			out["queue_state"] = liveState(rec)
		}
		return writeJSON(cmd.OutOrStdout(), out)
	},
}

// liveState asks the queue backend about the task behind rec.
func liveState(rec *jobstatus.StatusRecord) string {
	if rec.ExternalJobID == nil || rec.QueueName == nil {
		return "unknown (no queue identifier recorded)"
	}
	opt, err := cfg.RedisOpt()
	if err != nil {
		return "unknown (" + err.Error() + ")"
	}
	insp := asynq.NewInspector(opt)
	defer insp.Close()
	info, err := insp.GetTaskInfo(*rec.QueueName, *rec.ExternalJobID)
	if err != nil {
		return "unknown (" + err.Error() + ")"
	}
	return info.State.String()
}

var historyCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "List status transitions of a record, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		h, ok := store.(jobstatus.HistoryLog)
		if !ok {
			return fmt.Errorf("store %T keeps no history", store)
		}
		entries, err := h.History(cmd.Context(), id)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tSTATUS\tPROGRESS\tMESSAGE\tCHANGED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%v\n",
				e.CreatedAt.Format(time.RFC3339), e.Status, e.ProgressNow, e.ProgressMax,
				deref(e.StatusMessage), e.Metadata["changed_fields"])
		}
		return w.Flush()
	},
}

var uniqueCmd = &cobra.Command{
	Use:   "unique <unique-id>",
	Short: "List executions of a logical job, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if uniqueLatest {
			rec, err := store.FindLatestByUniqueID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), []*jobstatus.StatusRecord{rec})
		}
		recs, err := store.FindAllByUniqueID(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeRecords(cmd.OutOrStdout(), recs)
	},
}

var runningCmd = &cobra.Command{
	Use:   "running <unique-id>",
	Short: "Report whether any execution of a logical job is executing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		running, err := store.IsRunning(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), running)
		return nil
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <batch-id>",
	Short: "List the members of a batch by step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := store.BatchJobs(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeRecords(cmd.OutOrStdout(), recs)
	},
}

var chainCmd = &cobra.Command{
	Use:   "chain <chain-id>",
	Short: "List the members of a chain by step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recs, err := store.ChainJobs(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeRecords(cmd.OutOrStdout(), recs)
	},
}

func init() {
	showCmd.Flags().BoolVar(&showLive, "live", false, "also query the queue backend for the task state")
	uniqueCmd.Flags().BoolVar(&uniqueLatest, "latest", false, "only the most recent execution")
}

func writeRecords(out io.Writer, recs []*jobstatus.StatusRecord) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tSTEP\tATTEMPTS\tPROGRESS\tCREATED")
	for _, r := range recs {
		step := "-"
		if r.CurrentStep != nil {
			step = strconv.Itoa(*r.CurrentStep)
			if r.TotalJobs != nil {
				step += "/" + strconv.Itoa(*r.TotalJobs)
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%.2f%%\t%s\n",
			r.ID, r.Type, r.Status, step, r.Attempts, r.ProgressPercentage(), r.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid record id %q", s)
	}
	return id, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
