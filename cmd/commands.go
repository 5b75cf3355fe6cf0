package main

import (
	"fmt"
	"io"

	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/config"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/helper"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/models"
	"github.com/noobcakes33/pdf-parsing-gen-ai/internal/rag"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// cli carries the state shared between the root command and its children.
type cli struct {
	configPath string
	logLevel   string

	cfg       *config.Config
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "pdfrag",
		Short:         "Ingest documents into a vector database and query them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(c.configPath)
			if err != nil {
				return err
			}
			if c.logLevel != "" {
				cfg.Log.Level = c.logLevel
			}
			closer, err := setupLogger(cfg.Log.Level, cfg.Log.File)
			if err != nil {
				return err
			}
			c.cfg, c.logCloser = cfg, closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if c.logCloser != nil {
				return c.logCloser.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", configFilePath, "path to the YAML config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	root.AddCommand(c.ingestCmd(), c.queryCmd(), c.filesCmd(), c.exportCmd(), c.importCmd())
	return root
}

// run opens the app for the duration of fn.
func (c *cli) run(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := newApp(cmd.Context(), c.cfg)
	if err != nil {
		log.Error().Err(err).Msg("Error initializing")
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing resources")
		}
	}()
	return fn(a)
}

func (c *cli) ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <path>...",
		Short: "Ingest documents, skipping content that is already indexed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(a *app) error {
				p, err := a.pipeline(cmd.Context())
				if err != nil {
					return err
				}

				results := p.IngestAll(cmd.Context(), args)
				helper.PrettyPrint(cmd.OutOrStdout(), results)

				if err := a.persist(cmd.Context()); err != nil {
					return err
				}

				failed := 0
				for _, r := range results {
					if r.Status == models.StatusError {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d documents failed", failed, len(results))
				}
				return nil
			})
		},
	}
}

func (c *cli) queryCmd() *cobra.Command {
	var (
		documentID string
		text       string
		topK       int
		page       int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Search the pages of one ingested document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(a *app) error {
				var opts []rag.QueryOption
				if topK > 0 {
					opts = append(opts, rag.WithTopK(topK))
				}
				if page > 0 {
					opts = append(opts, rag.WithPageFilter(page))
				}

				res := a.engine().QueryByDocumentID(cmd.Context(), documentID, text, opts...)
				helper.PrettyPrint(cmd.OutOrStdout(), res)
				if res.Status != models.StatusSuccess {
					return fmt.Errorf("query failed: %s", res.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&documentID, "id", "", "document id returned by ingest")
	cmd.Flags().StringVar(&text, "text", "", "query text")
	cmd.Flags().IntVar(&topK, "top-k", 0, "number of matches (default from config)")
	cmd.Flags().IntVar(&page, "page", 0, "only match this page")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func (c *cli) filesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "files",
		Short: "List ingested files, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(a *app) error {
				files, err := a.engine().ListFiles(cmd.Context())
				if err != nil {
					return err
				}
				helper.PrettyPrint(cmd.OutOrStdout(), files)
				return nil
			})
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export [collection]...",
		Short: "Export collections, or the whole database, to an encrypted file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(a *app) error {
				if err := a.store.Export(cmd.Context(), out, args...); err != nil {
					return err
				}
				log.Info().Str("file", out).Strs("collections", args).Msg("export finished")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "export file (default next to the database directory)")
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "import [collection]...",
		Short: "Import collections from a file written by export",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(a *app) error {
				if err := a.store.Import(cmd.Context(), in, args...); err != nil {
					return err
				}
				return a.persist(cmd.Context())
			})
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "file to import (default next to the database directory)")
	return cmd
}
