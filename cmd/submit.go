package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/pipeline"
	"github.com/sells-group/secpipe/internal/source"
)

var submitCmd = &cobra.Command{
	Use:   "submit <path>",
	Short: "Submit a file for review",
	Long: "Submits a file (or stdin with \"-\") for review. With --rev the file is read from that git revision. " +
		"On the local engine the command returns once the review is awaiting approval.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		repo, _ := cmd.Flags().GetString("repo")
		rev, _ := cmd.Flags().GetString("rev")
		language, _ := cmd.Flags().GetString("language")
		user, _ := cmd.Flags().GetString("user")

		art, err := loadArtifact(cmd.InOrStdin(), repo, rev, args[0])
		if err != nil {
			return err
		}
		if language == "" {
			language = art.Language
		}

		env, err := initApp(ctx, "backend")
		if err != nil {
			return err
		}
		defer env.Close()

		res, rej, err := env.Service.Submit(ctx, pipeline.SubmitRequest{
			Code:     art.Code,
			Language: language,
			UserID:   user,
		})
		if err != nil {
			return eris.Wrap(err, "submit")
		}
		if rej != nil {
			_ = printJSON(cmd.OutOrStdout(), rej)
			return eris.Errorf("submission rejected: %s", rej.Error)
		}

		zap.L().Info("review submitted",
			zap.String("run_id", res.RunID),
			zap.String("path", art.Path),
			zap.String("revision", art.Revision),
		)

		if env.Local != nil {
			env.Local.Wait()
			st, err := env.Service.Status(ctx, res.RunID)
			if err != nil {
				return eris.Wrap(err, "submit: status")
			}
			return printJSON(cmd.OutOrStdout(), st)
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func loadArtifact(stdin io.Reader, repo, rev, path string) (*source.Artifact, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, eris.Wrap(err, "read stdin")
		}
		return &source.Artifact{Path: "stdin", Code: string(data)}, nil
	}
	if repo == "" {
		repo = "."
	}
	art, err := source.Load(repo, rev, path)
	if err != nil {
		return nil, err
	}
	if art.Code == "" {
		return nil, eris.Errorf("%s is empty", path)
	}
	return art, nil
}

func init() {
	submitCmd.Flags().String("repo", ".", "git repository used with --rev")
	submitCmd.Flags().String("rev", "", "read the file at this git revision instead of from disk")
	submitCmd.Flags().String("language", "", "source language (default: guessed from the extension)")
	submitCmd.Flags().String("user", os.Getenv("USER"), "user id recorded on the run")
	rootCmd.AddCommand(submitCmd)
}
