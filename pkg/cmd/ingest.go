package cmd

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vulntrail"
)

type IngestFlags struct {
	Name     string
	Scope    string
	Date     string
	Targets  []string
	SkipTags bool
}

// readBatch decodes a parsed-report file. Report parsing itself lives
// upstream; the file is the already-flattened host and finding lists.
func readBatch(fpath string) (vulntrail.Batch, error) {
	var batch vulntrail.Batch

	f, err := os.Open(fpath)
	if err != nil {
		return batch, errors.Wrap(err, "failed to open batch file")
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&batch); err != nil {
		return batch, errors.Wrap(err, "failed to decode batch file")
	}
	batch.FilePath = fpath
	return batch, nil
}

func ingestCommand(l *lazyLoader) *cobra.Command {
	var f IngestFlags

	cmd := &cobra.Command{
		Use:   "ingest <batch-file> [--name] [--scope] [--date] [--targets]",
		Short: "Ingest one parsed scan report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := readBatch(args[0])
			if err != nil {
				return err
			}

			if f.Name != "" {
				batch.Name = f.Name
			}
			if f.Scope != "" {
				batch.Scope = f.Scope
			}
			if batch.Scope == "" {
				batch.Scope = l.settings().DefaultScope
			}
			if len(f.Targets) > 0 {
				batch.Targets = f.Targets
			}
			if f.Date != "" {
				d, err := time.Parse(time.RFC3339, f.Date)
				if err != nil {
					return errors.Wrap(err, "invalid scan date")
				}
				batch.ScanDate = d
			}

			stores := l.Stores()
			pipeline := vulntrail.NewPipeline(
				stores.Identities(),
				stores.Definitions(),
				stores.Findings(),
				stores.Sessions(),
				stores.Tags(),
			)

			report, err := pipeline.Ingest(batch)
			if err != nil {
				return err
			}

			for _, recErr := range report.Errors {
				log.Warn().Str("record", recErr.Ref).Err(recErr.Err).Msg("record skipped")
			}

			if f.SkipTags {
				return nil
			}
			return applyRules(l, stores)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.Name, "name", "", "Scan name. Defaults to the batch file's own name field")
	flags.StringVar(&f.Scope, "scope", "", "Scope label. Lineages never cross scopes")
	flags.StringVar(&f.Date, "date", "", "Scan date (RFC 3339). Defaults to now")
	flags.StringArrayVar(&f.Targets, "targets", nil, "Scanned target ranges")
	flags.BoolVar(&f.SkipTags, "skip-tags", false, "Skip tag and group rule evaluation")

	return cmd
}

func applyRules(l *lazyLoader, stores vulntrail.Stores) error {
	s := l.settings()
	if len(s.TagRules) == 0 && len(s.GroupRules) == 0 {
		return nil
	}

	assets, err := stores.Identities().ListActive()
	if err != nil {
		return err
	}

	tagger := vulntrail.NewTagger(stores.Tags())
	if err := tagger.ApplyRules(assets, s.TagRules); err != nil {
		return errors.Wrap(err, "failed to apply tag rules")
	}
	if err := tagger.ApplyGroupRules(assets, s.GroupRules); err != nil {
		return errors.Wrap(err, "failed to apply group rules")
	}
	return nil
}
