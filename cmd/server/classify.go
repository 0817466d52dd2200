package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"assistant/internal/model"
	"assistant/internal/service"
	"assistant/internal/utils"

	"github.com/spf13/cobra"
)

var (
	classifyRooms    []string
	classifyTimezone string
)

// classifyOutput is what the classify subcommand prints
type classifyOutput struct {
	Input      string              `json:"input"`
	Corrected  string              `json:"corrected,omitempty"`
	Fixes      []model.Replacement `json:"replacements,omitempty"`
	Intent     model.Intent        `json:"intent"`
	Dispatch   bool                `json:"dispatchWithoutLLM"`
	ConsultLLM bool                `json:"consultLLM"`
}

func newClassifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify [command text]",
		Short: "Run the local classifier on a command without calling the model or the booking API",
		Example: `  assistant classify "book focuss tomorrow at 2pm" --rooms "Skagen,Focus Pod B"
  assistant classify "hvilke rom er ledige" --tz Europe/Oslo`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(cmd.OutOrStdout(), strings.Join(args, " "), time.Now)
		},
	}
	cmd.Flags().StringSliceVar(&classifyRooms, "rooms", nil, "Known room names used for fuzzy correction")
	cmd.Flags().StringVar(&classifyTimezone, "tz", "UTC", "IANA timezone used to interpret times")
	return cmd
}

func runClassify(w io.Writer, text string, now func() time.Time) error {
	loc, err := time.LoadLocation(classifyTimezone)
	if err != nil {
		return fmt.Errorf("unknown timezone %q: %w", classifyTimezone, err)
	}

	out := classifyOutput{Input: text}
	if len(classifyRooms) > 0 {
		correction := utils.FuzzyReplaceRoomNames(text, classifyRooms)
		if len(correction.Replacements) > 0 {
			text = correction.CorrectedText
			out.Corrected = text
			out.Fixes = correction.Replacements
		}
	}

	out.Intent = service.NewClassifier(now).ClassifyIn(text, loc, classifyRooms)
	out.Dispatch = service.HasHighConfidence(out.Intent)
	out.ConsultLLM = service.ShouldUseLLM(out.Intent)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
