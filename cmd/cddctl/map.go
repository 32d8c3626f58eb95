package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cdd-agent/backend/internal/export"
	"github.com/cdd-agent/backend/internal/matcher"
	"github.com/cdd-agent/backend/internal/session"
	"github.com/cdd-agent/backend/internal/upload"
)

type mapOptions struct {
	interactive bool
	suggestNew  bool
	threshold   float64
	outPath     string
	format      export.Format
	errOut      io.Writer
}

func newMapCmd(configPath *string) *cobra.Command {
	var (
		auto       bool
		suggestNew bool
		outPath    string
		format     string
	)

	cmd := &cobra.Command{
		Use:   "map <fields-file>",
		Short: "Map every field in a CSV, JSON or XLSX file",
		Long: "Walks the file through a mapping session. On a terminal each field is reviewed by hand; " +
			"with --auto, or when stdin is not a terminal, the top candidate above the confidence threshold is accepted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}

			c, err := loadCore(*configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			opts := mapOptions{
				interactive: !auto && term.IsTerminal(int(os.Stdin.Fd())),
				suggestNew:  suggestNew,
				threshold:   c.cfg.Matching.ConfidenceThreshold,
				outPath:     outPath,
				format:      f,
				errOut:      cmd.ErrOrStderr(),
			}
			return runMap(cmd.Context(), c.manager(), args[0], cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().BoolVar(&auto, "auto", false, "accept decisions without prompting")
	cmd.Flags().BoolVar(&suggestNew, "suggest-new", true, "in auto mode, draft a new attribute when nothing matches")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output path (default: <input>_cdd_mapped.<format>)")
	cmd.Flags().StringVarP(&format, "format", "f", "xlsx", "output format: xlsx, csv or json")
	return cmd
}

var errQuit = errors.New("quit")

// runMap always writes the decisions made so far, even when the run stops
// on an error.
func runMap(ctx context.Context, m *session.Manager, path string, in io.Reader, out io.Writer, opts mapOptions) (err error) {
	if opts.errOut == nil {
		opts.errOut = io.Discard
	}

	fields, err := readFields(path)
	if err != nil {
		return err
	}

	snap, err := m.CreateSession(ctx, session.CreateRequest{Filename: filepath.Base(path), Fields: fields})
	if err != nil {
		return err
	}
	id := snap.SessionID
	fmt.Fprintf(out, "%d fields to review, %d already confirmed\n", snap.Progress.Total, snap.Progress.PreConfirmed)

	defer func() {
		if werr := writeExport(context.WithoutCancel(ctx), m, id, path, out, opts); werr != nil {
			err = errors.Join(err, werr)
		}
	}()

	reader := bufio.NewReader(in)
	for snap.Status == session.StatusActive {
		snap, err = m.NextField(ctx, id)
		if err != nil {
			return err
		}
		if snap.Status != session.StatusActive || snap.CurrentField == nil {
			break
		}

		var action session.Action
		if opts.interactive {
			action, err = prompt(ctx, m, id, snap, reader, out)
		} else {
			action, err = autoAction(ctx, m, id, snap.CurrentField, opts)
		}
		if errors.Is(err, errQuit) {
			break
		}
		if err != nil {
			return err
		}

		snap, err = m.ProcessField(ctx, id, snap.CurrentIndex, action)
		if err != nil {
			return err
		}
	}

	return nil
}

func readFields(path string) ([]session.FieldInput, error) {
	format, err := upload.DetectFormat(path, "")
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return upload.Parse(f, format)
}

// autoAction accepts the top candidate when it clears the threshold,
// otherwise drafts a new attribute or skips. A failed draft skips the
// field.
func autoAction(ctx context.Context, m *session.Manager, id string, f *session.FieldRecord, opts mapOptions) (session.Action, error) {
	if len(f.Matches) > 0 && f.Matches[0].Confidence >= opts.threshold {
		return session.Action{Kind: session.ActionMatch, AttributeID: f.Matches[0].AttributeID}, nil
	}
	if !opts.suggestNew {
		return session.Action{Kind: session.ActionSkip}, nil
	}

	snap, err := m.Improve(ctx, id, session.ImproveRequest{FieldName: f.Name, Mode: session.ImproveNewField})
	if errors.Is(err, matcher.ErrUpstream) {
		fmt.Fprintf(opts.errOut, "skipping %s: %v\n", f.Name, err)
		return session.Action{Kind: session.ActionSkip}, nil
	}
	if err != nil {
		return session.Action{}, err
	}
	if s := snap.CurrentField.Suggestion; s != nil {
		return session.Action{Kind: session.ActionNewField, Suggestion: s}, nil
	}
	return session.Action{Kind: session.ActionSkip}, nil
}

func prompt(ctx context.Context, m *session.Manager, id string, snap *session.Snapshot, in *bufio.Reader, out io.Writer) (session.Action, error) {
	for {
		f := snap.CurrentField
		printField(out, snap)
		fmt.Fprint(out, "[1-9] match, n new attribute, s skip, f <text> feedback, q quit > ")

		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return session.Action{}, errQuit
		}
		line = strings.TrimSpace(line)

		switch {
		case line == "q":
			return session.Action{}, errQuit
		case line == "s":
			return session.Action{Kind: session.ActionSkip}, nil
		case line == "n":
			if f.Suggestion == nil {
				snap = improve(ctx, m, id, snap, session.ImproveRequest{FieldName: f.Name, Mode: session.ImproveNewField}, out)
				continue
			}
			return session.Action{Kind: session.ActionNewField, Suggestion: f.Suggestion}, nil
		case strings.HasPrefix(line, "f "):
			mode := session.ImproveMatches
			if f.Suggestion != nil {
				mode = session.ImproveNewField
			}
			snap = improve(ctx, m, id, snap, session.ImproveRequest{
				FieldName: f.Name,
				Feedback:  strings.TrimSpace(strings.TrimPrefix(line, "f ")),
				Mode:      mode,
			}, out)
		default:
			n, convErr := strconv.Atoi(line)
			if convErr == nil && n >= 1 && n <= len(f.Matches) {
				return session.Action{Kind: session.ActionMatch, AttributeID: f.Matches[n-1].AttributeID}, nil
			}
			fmt.Fprintln(out, "unrecognised choice")
		}
	}
}

// improve keeps the current view when the model call fails so the
// reviewer can pick another option.
func improve(ctx context.Context, m *session.Manager, id string, snap *session.Snapshot, req session.ImproveRequest, out io.Writer) *session.Snapshot {
	next, err := m.Improve(ctx, id, req)
	if err != nil {
		fmt.Fprintf(out, "  ! %v\n", err)
		return snap
	}
	return next
}

func printField(out io.Writer, snap *session.Snapshot) {
	f := snap.CurrentField
	fmt.Fprintf(out, "\n[%d/%d] %s\n", snap.CurrentIndex+1, snap.Progress.Total, f.Name)
	if def := f.EffectiveDefinition(); def != "" {
		fmt.Fprintf(out, "  %s\n", def)
	}
	if f.BestGuess != "" {
		fmt.Fprintf(out, "  best guess: %s\n", f.BestGuess)
	}
	if f.ErrorNote != "" {
		fmt.Fprintf(out, "  ! %s\n", f.ErrorNote)
	}
	for i, c := range f.Matches {
		fmt.Fprintf(out, "  %d. %-40s %.2f  %s\n", i+1, c.AttributeID, c.Confidence, c.Reasoning)
	}
	if s := f.Suggestion; s != nil {
		fmt.Fprintf(out, "  new: %s.%s (%s) %s\n", s.Category, s.Attribute, s.DataType, s.Description)
	}
}

func writeExport(ctx context.Context, m *session.Manager, id, inputPath string, out io.Writer, opts mapOptions) error {
	exp, err := m.Export(ctx, id)
	if err != nil {
		return err
	}

	path := opts.outPath
	if path == "" {
		path = filepath.Join(filepath.Dir(inputPath), export.Filename(exp, opts.format))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := export.Write(f, exp, opts.format); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Fprintf(out, "%d decisions written to %s\n", len(exp.Records), path)
	return nil
}
