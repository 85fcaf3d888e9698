package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Zolokon/business-planner-sub000/internal/business"
	"github.com/Zolokon/business-planner-sub000/internal/pipeline"
	"github.com/Zolokon/business-planner-sub000/internal/tasks"
)

var (
	runAudioPath       string
	runDefaultBusiness int
	runRequestID       string
	runJSON            bool
)

var runCmd = &cobra.Command{
	Use:   "run [text]",
	Short: "Create a task from a text message or a voice note",
	Long: `Run the pipeline once and print the confirmation.

Examples:
  # Text message
  planner run "Завтра Диме позвонить поставщику"

  # Text from stdin
  echo "Срочно отправить КП по фрезеру" | planner run -

  # Voice note
  planner run --audio note.ogg

  # Fall back to Trade when the message names no business
  planner run --default-business 4 "Прочитать договор"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var completeCmd = &cobra.Command{
	Use:   "complete <task-id> <minutes>",
	Short: "Record the actual duration of a finished task",
	Args:  cobra.ExactArgs(2),
	RunE:  runComplete,
}

var archiveCmd = &cobra.Command{
	Use:   "archive <task-id>",
	Short: "Archive a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchive,
}

func init() {
	runCmd.Flags().StringVar(&runAudioPath, "audio", "", "voice note to transcribe instead of text")
	runCmd.Flags().IntVar(&runDefaultBusiness, "default-business", 0, "business id (1-4) used when the message names none")
	runCmd.Flags().StringVar(&runRequestID, "request-id", "", "request id for tracing (generated when empty)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the created task as JSON")
	completeCmd.Flags().BoolVar(&runJSON, "json", false, "print the task as JSON")
	archiveCmd.Flags().BoolVar(&runJSON, "json", false, "print the task as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	in, err := pipelineInput(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.runner.Run(ctx, in)
	if err != nil {
		if msg := pipeline.UserMessage(err); msg != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), msg)
		}
		return err
	}

	if runJSON {
		return printTask(cmd.OutOrStdout(), res.Task)
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Response)
	return nil
}

// pipelineInput builds the pipeline input from flags and arguments. "-" reads
// the text from r.
func pipelineInput(r io.Reader, args []string) (pipeline.Input, error) {
	in := pipeline.Input{RequestID: runRequestID}
	if runDefaultBusiness != 0 {
		id := business.ID(runDefaultBusiness)
		if !id.Valid() {
			return in, fmt.Errorf("--default-business must be a positive business id, got %d", runDefaultBusiness)
		}
		in.DefaultBusiness = &id
	}

	if runAudioPath != "" {
		if len(args) > 0 {
			return in, fmt.Errorf("pass either text or --audio, not both")
		}
		audio, err := os.ReadFile(runAudioPath)
		if err != nil {
			return in, fmt.Errorf("reading audio: %w", err)
		}
		in.Audio = audio
		return in, nil
	}

	if len(args) == 0 {
		return in, fmt.Errorf("text argument or --audio required")
	}
	text := args[0]
	if text == "-" {
		data, err := io.ReadAll(r)
		if err != nil {
			return in, fmt.Errorf("reading stdin: %w", err)
		}
		text = string(data)
	}
	in.Text = strings.TrimSpace(text)
	return in, nil
}

func runComplete(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	minutes, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("minutes must be an integer: %w", err)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.recorder.RecordCompletion(ctx, id, minutes)
	if err != nil {
		if msg := pipeline.UserMessage(err); msg != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), msg)
		}
		return err
	}
	if runJSON {
		return printTask(cmd.OutOrStdout(), t)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "[OK] Задача #%d выполнена за %d мин.\n", t.ID, minutes)
	if t.EstimationAccuracy != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Точность оценки: %.0f%%\n", *t.EstimationAccuracy*100)
	}
	return nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.recorder.Archive(ctx, id)
	if err != nil {
		if msg := pipeline.UserMessage(err); msg != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), msg)
		}
		return err
	}
	if runJSON {
		return printTask(cmd.OutOrStdout(), t)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "[OK] Задача #%d в архиве.\n", t.ID)
	return nil
}

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

// printTask writes t as indented JSON without its embedding.
func printTask(w io.Writer, t *tasks.Task) error {
	out := *t
	out.Embedding = nil
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
