package main

import (
	"encoding/json"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/fieldsync/internal/media"
	pkgerrors "github.com/angelmondragon/fieldsync/pkg/errors"
)

func NewMediaCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "media",
		Short: "Queue and inspect entity attachments",
	}
	cmd.AddCommand(newMediaEnqueueCommand(root))
	cmd.AddCommand(newMediaListCommand(root))
	cmd.AddCommand(newMediaUploadCommand(root))
	return cmd
}

func newMediaEnqueueCommand(root *RootOptions) *cobra.Command {
	var (
		mimeType string
		metadata string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <entityName> <entityId> <file>",
		Short: "Record a capture for upload on the next flush",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := media.EnqueueInput{
				EntityName: args[0],
				EntityID:   args[1],
				FileName:   filepath.Base(args[2]),
				MimeType:   mimeType,
				SourcePath: args[2],
			}
			if metadata != "" {
				if !json.Valid([]byte(metadata)) {
					return pkgerrors.New(pkgerrors.CodeValidation, "metadata is not valid JSON")
				}
				in.Metadata = json.RawMessage(metadata)
			}
			a, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()
			asset, err := a.media.Enqueue(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), asset)
		},
	}
	cmd.Flags().StringVar(&mimeType, "mime", "", "declared mime type; detected from the file when empty")
	cmd.Flags().StringVar(&metadata, "metadata", "", "JSON metadata stored with the attachment")
	return cmd
}

func newMediaListCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <entityName> <entityId>",
		Short: "List attachments the server holds for an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()
			files, err := a.media.FetchEntityMedia(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), files)
		},
	}
}

func newMediaUploadCommand(root *RootOptions) *cobra.Command {
	var ids []string
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload queued attachments without draining entity operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()
			var res media.BatchResult
			if len(ids) > 0 {
				res, err = a.media.UploadAssets(cmd.Context(), ids)
			} else {
				res, err = a.media.UploadBatch(cmd.Context(), a.cfg.Media.BatchSize)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringSliceVar(&ids, "id", nil, "local media ids to upload; defaults to the next queued batch")
	return cmd
}
