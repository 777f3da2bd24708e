package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8030"

// options — глобальные флаги.
type options struct {
	server  string
	token   string
	timeout time.Duration
}

func (o *options) client() (*adminClient, error) {
	return newAdminClient(o.server, o.token, o.timeout)
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "tempsharectl",
		Short:         "Администрирование tempshare",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envDefault("TS_SERVER", defaultServer), "адрес tempshare (TS_SERVER)")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("TS_ADMIN_TOKEN"), "JWT со scope tempshare:admin (TS_ADMIN_TOKEN)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "таймаут запроса")

	root.AddCommand(
		newFilesCmd(opts),
		newSweepCmd(opts),
		newReconcileCmd(opts),
		newModeCmd(opts),
	)
	return root
}

func newFilesCmd(opts *options) *cobra.Command {
	files := &cobra.Command{
		Use:   "files",
		Short: "Загруженные файлы",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Список файлов по сроку истечения",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			result, err := client.ListFiles(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printFiles(cmd, result)
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "максимум записей (1-10000)")

	purge := &cobra.Command{
		Use:   "purge <fileId>...",
		Short: "Удалить файлы немедленно",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := client.PurgeFile(cmd.Context(), id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Удалён %s\n", id)
			}
			return nil
		},
	}

	files.AddCommand(list, purge)
	return files
}

func printFiles(cmd *cobra.Command, list *fileList) error {
	out := cmd.OutOrStdout()
	if len(list.Items) == 0 {
		fmt.Fprintln(out, "Файлов нет.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE ID\tNAME\tSIZE\tBACKEND\tUPLOADER\tEXPIRES")
	for _, f := range list.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			f.FileID,
			f.OriginalName,
			humanize.IBytes(uint64(f.Size)),
			f.Backend,
			f.UploaderIdentity,
			humanize.Time(f.ExpiresAt),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Всего: %d\n", list.Total)
	return nil
}

func newSweepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Удалить истёкшие файлы, не дожидаясь планового прохода",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			res, err := client.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Найдено: %d, удалено: %d, ошибок: %d\n", res.Scanned, res.Purged, res.Errors)
			return nil
		},
	}
}

func newReconcileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Сверить директорию данных с метаданными",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			res, err := client.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			s := res.Summary
			fmt.Fprintf(cmd.OutOrStdout(),
				"Проверено: %d\n.tmp: %d, истёкших: %d, без метаданных: %d, attr без blob: %d\nWAL очищено: %d, ошибок: %d\n",
				res.FilesChecked, s.StaleTmp, s.ExpiredBlobs, s.OrphanedBlobs, s.OrphanedAttrs, s.WALCleaned, s.Errors,
			)
			return nil
		},
	}
}

func newModeCmd(opts *options) *cobra.Command {
	modeCmd := &cobra.Command{
		Use:   "mode",
		Short: "Показать режим работы",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			state, err := client.GetMode(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), state.CurrentMode)
			return nil
		},
	}

	var confirm bool
	set := &cobra.Command{
		Use:       "set <rw|ro>",
		Short:     "Переключить режим работы",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"rw", "ro"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			state, err := client.SetMode(cmd.Context(), args[0], confirm)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", state.PreviousMode, state.CurrentMode)
			return nil
		},
	}
	set.Flags().BoolVar(&confirm, "confirm", false, "подтвердить переход, требующий подтверждения")

	modeCmd.AddCommand(set)
	return modeCmd
}
