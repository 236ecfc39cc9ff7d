package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-client/internal/clients"
	"github.com/adverant/nexus/ocr-client/internal/document"
	"github.com/adverant/nexus/ocr-client/internal/errors"
	"github.com/adverant/nexus/ocr-client/internal/invoice"
	"github.com/adverant/nexus/ocr-client/internal/logging"
	"github.com/adverant/nexus/ocr-client/internal/pdf"
	"github.com/adverant/nexus/ocr-client/internal/pipeline"
	"github.com/adverant/nexus/ocr-client/internal/queue"
)

type options struct {
	server      string
	timeout     time.Duration
	policy      string
	concurrency int
	width       int
	height      int
	verbose     bool

	redisURL string
	queue    string
	maxRetry int
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "ocrctl",
		Short:         "Extract images, text and invoice fields from PDFs through a remote OCR server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("OCR_SERVER_URL", "localhost:8000"), "OCR server address")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "per-request timeout")
	flags.StringVar(&opts.policy, "policy", envOr("OCR_FAILURE_POLICY", "continue"), "image failure policy: continue or stop")
	flags.IntVar(&opts.concurrency, "concurrency", 1, "concurrent image uploads")
	flags.IntVar(&opts.width, "width", pdf.DefaultRenderWidth, "first page render width")
	flags.IntVar(&opts.height, "height", pdf.DefaultRenderHeight, "first page render height")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log pipeline progress")

	root.AddCommand(
		newInvoiceCmd(opts),
		newImagesCmd(opts),
		newSearchCmd(opts),
		newEnqueueCmd(opts),
	)
	return root
}

func (o *options) logger() *logging.Logger {
	if o.verbose {
		return logging.NewLogger("ocrctl")
	}
	return logging.Nop()
}

func (o *options) client() (*clients.OCRClient, error) {
	return clients.NewOCRClient(o.server, clients.WithTimeout(o.timeout), clients.WithLogger(o.logger().With("ocr")))
}

func (o *options) open(raw []byte) (*pipeline.Document, error) {
	policy, err := pipeline.ParseFailurePolicy(o.policy)
	if err != nil {
		return nil, err
	}
	logger := o.logger()
	return pipeline.Open(pdf.NewEngine(logger.With("pdf")), raw,
		pipeline.WithFailurePolicy(policy),
		pipeline.WithConcurrency(o.concurrency),
		pipeline.WithRenderSize(o.width, o.height),
		pipeline.WithLogger(logger.With("pipeline")),
	)
}

func isPDF(raw []byte) bool {
	return bytes.HasPrefix(raw, []byte("%PDF"))
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newInvoiceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "invoice <file>",
		Short: "Extract invoice fields from a PDF's first page or from an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}

			var details *invoice.Details
			if isPDF(raw) {
				doc, err := opts.open(raw)
				if err != nil {
					return err
				}
				details, err = doc.InvoiceDetails(cmd.Context(), client)
				if err != nil {
					return err
				}
			} else {
				img, _, err := image.Decode(bytes.NewReader(raw))
				if err != nil {
					return fmt.Errorf("%s is neither a PDF nor a decodable image: %w", args[0], err)
				}
				details, err = pipeline.ImageInvoiceDetails(cmd.Context(), client, img)
				if err != nil {
					return err
				}
			}

			return writeJSON(cmd.OutOrStdout(), details)
		},
	}
}

type imageOutput struct {
	Index int                      `json:"index"`
	Doc   *document.ParsedDocument `json:"document,omitempty"`
	Error string                   `json:"error,omitempty"`
	Code  string                   `json:"code,omitempty"`
}

func newImagesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "images <file.pdf>",
		Short: "OCR every embedded image of a PDF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			doc, err := opts.open(raw)
			if err != nil {
				return err
			}

			runErr := doc.ExtractAllImages(cmd.Context(), client)

			results := doc.Results()
			out := make([]imageOutput, 0, len(results))
			for i, r := range results {
				o := imageOutput{Index: i, Doc: r.Doc}
				if r.Err != nil {
					o.Error = r.Err.Error()
					o.Code = string(errors.CodeOf(r.Err))
				}
				out = append(out, o)
			}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return runErr
		},
	}
}

func newSearchCmd(opts *options) *cobra.Command {
	var withOCR bool

	cmd := &cobra.Command{
		Use:   "search <file.pdf> <text>",
		Short: "Report whether a PDF contains text, in its text layer or optionally in its images",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := opts.open(raw)
			if err != nil {
				return err
			}

			if withOCR {
				client, err := opts.client()
				if err != nil {
					return err
				}
				if err := doc.ExtractAllImages(cmd.Context(), client); err != nil {
					return err
				}
			}

			found := doc.Contains(args[1])
			fmt.Fprintln(cmd.OutOrStdout(), found)
			if !found {
				return fmt.Errorf("%q not found in %s", args[1], filepath.Base(args[0]))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withOCR, "ocr", false, "OCR embedded images before searching")
	return cmd
}

func newEnqueueCmd(opts *options) *cobra.Command {
	var mimeType string

	cmd := &cobra.Command{
		Use:   "enqueue <file>",
		Short: "Queue a file for the OCR worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			producer, err := queue.NewProducer(opts.redisURL, opts.queue, opts.maxRetry, 5*time.Minute)
			if err != nil {
				return err
			}
			defer producer.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			job := &queue.JobData{
				Filename:   filepath.Base(args[0]),
				MimeType:   mimeType,
				FileBuffer: raw,
			}
			info, err := producer.Enqueue(ctx, job)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s queued on %s\n", job.JobID, info.Queue)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.redisURL, "redis", envOr("REDIS_URL", "redis://localhost:6379"), "Redis URL")
	cmd.Flags().StringVar(&opts.queue, "queue", envOr("QUEUE_NAME", "ocr"), "queue name")
	cmd.Flags().IntVar(&opts.maxRetry, "max-retry", 5, "retries for retryable failures")
	cmd.Flags().StringVar(&mimeType, "mime-type", "", "declared MIME type (sniffed by the worker when empty)")
	return cmd
}
