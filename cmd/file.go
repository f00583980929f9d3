package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/zzenonn/chainstore/internal/domain"
	"github.com/zzenonn/chainstore/internal/logging"
	"github.com/zzenonn/chainstore/internal/service"
)

var (
	quiet       bool
	assumeYes   bool
	contentType string
)

var quoteCmd = &cobra.Command{
	Use:   "quote [file-path]",
	Short: "Print what storing a file would cost",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		filePath := args[0]
		stat, err := os.Stat(filePath)
		if err != nil {
			fmt.Printf("Error reading file: %v\n", err)
			return
		}

		q, err := chainstore.Upload.Estimate(context.Background(), filepath.Base(filePath), contentType, stat.Size())
		if err != nil {
			fmt.Printf("Error estimating cost: %v\n", err)
			return
		}
		fmt.Printf("%s: %d bytes in %d chunks plus a %d byte manifest\n", filePath, stat.Size(), q.ChunkCount, q.ManifestSize)
		fmt.Printf("Transaction bytes: %d\nFee: %d sat\nAmount due: %d sat\n", q.TotalTxBytes, q.FeeDue, q.AmountDue)
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload [file-path]",
	Short: "Store a file on chain and print its manifest TXID",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		filePath := args[0]
		file, err := os.Open(filePath)
		if err != nil {
			fmt.Printf("Error opening file: %v\n", err)
			return
		}
		defer file.Close()

		job, err := chainstore.Upload.Quote(ctx, service.FileInput{
			Name:        filepath.Base(filePath),
			ContentType: contentType,
			Body:        file,
		})
		if err != nil {
			fmt.Printf("Error quoting upload: %v\n", err)
			return
		}
		fmt.Printf("Job %s: %d chunks, %d transaction bytes, %d sat due\n", job.ID, job.ChunkCount, job.TotalTxBytes, job.AmountDue)

		if !assumeYes && !confirm("Proceed?") {
			fmt.Println("Upload cancelled; the quote stays on record")
			return
		}
		job, err = chainstore.Upload.Confirm(ctx, job.ID)
		if err != nil {
			fmt.Printf("Error confirming upload: %v\n", err)
			return
		}
		fmt.Printf("Send %d satoshis to %s before %s\n", job.AmountDue, job.PaymentAddress, job.PaymentDeadline.Local().Format(time.RFC1123))

		if chainstore.DevChain != nil {
			if _, err := chainstore.DevChain.Fund(job.PaymentAddress, job.AmountDue); err != nil {
				fmt.Printf("Error funding dev chain: %v\n", err)
				return
			}
			fmt.Println("Funded on the in-memory chain")
		}

		job, err = follow(ctx, job.ID, job.ChunkCount, "broadcasting")
		if err != nil {
			fmt.Printf("Error driving upload: %v\n", err)
			return
		}
		if job.State != domain.StateCompleted {
			fmt.Printf("Upload %s: %s\n", job.State, job.Error)
			return
		}
		fmt.Printf("File stored successfully: %s -> %s\n", filePath, job.ManifestTxID)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download [manifest-txid] [output-path]",
	Short: "Reconstruct a file from its manifest TXID",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		txid, outputPath := args[0], args[1]
		job, err := chainstore.Download.Submit(ctx, txid)
		if err != nil {
			fmt.Printf("Error submitting download: %v\n", err)
			return
		}

		job, err = follow(ctx, job.ID, 0, "fetching")
		if err != nil {
			fmt.Printf("Error driving download: %v\n", err)
			return
		}
		if job.State != domain.StateCompleted {
			fmt.Printf("Download %s: %s\n", job.State, job.Error)
			return
		}

		res, err := chainstore.Download.Retrieve(ctx, job.ID)
		if err != nil {
			fmt.Printf("Error retrieving file: %v\n", err)
			return
		}

		// If output path is a directory, use the file name from the manifest
		if stat, err := os.Stat(outputPath); err == nil && stat.IsDir() {
			outputPath = filepath.Join(outputPath, filepath.Base(res.FileName))
		}

		if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
			fmt.Printf("Error creating output directory: %v\n", err)
			return
		}
		if err := os.WriteFile(outputPath, res.Data, 0644); err != nil {
			fmt.Printf("Error writing file: %v\n", err)
			return
		}

		fmt.Printf("File downloaded successfully: %s -> %s (%s, %d bytes)\n", txid, outputPath, res.ContentType, len(res.Data))
	},
}

// follow ticks the driver until the job is terminal, drawing chunk progress
// when total is known.
func follow(ctx context.Context, id string, total int, label string) (domain.Job, error) {
	var bar *progressbar.ProgressBar
	if !quiet {
		logging.Quiet(os.Stderr)
	}
	defer func() {
		if bar != nil {
			_ = bar.Finish()
			fmt.Println()
		}
	}()

	ticker := time.NewTicker(cfg.Driver.PollInterval)
	defer ticker.Stop()
	var last domain.Job
	for {
		if err := chainstore.Driver.Tick(ctx); err != nil {
			return domain.Job{}, err
		}
		job, err := chainstore.Jobs.Get(ctx, id)
		if err != nil {
			return domain.Job{}, err
		}

		if total == 0 {
			total = job.ChunkCount
		}
		if !quiet && bar == nil && total > 0 {
			bar = progressbar.Default(int64(total), label)
		}
		if bar != nil {
			_ = bar.Set(job.CompletedChunks())
			bar.Describe(job.Message)
		}
		if job.State.IsTerminal() {
			return job, nil
		}
		if last.ID != "" && job.State == domain.StateAwaitingPayment && job.AmountDue > last.AmountDue {
			// funding fell short of the transaction chain and was re-quoted
			fmt.Printf("\n%s before %s\n", job.Message, job.PaymentDeadline.Local().Format(time.RFC1123))
			if chainstore.DevChain != nil {
				if _, err := chainstore.DevChain.Fund(job.PaymentAddress, job.AmountDue); err != nil {
					return job, err
				}
			}
		}

		// tick again right away while the job moves; wait once it stalls
		moved := job.State != last.State || len(job.Locators) != len(last.Locators)
		last = job
		if moved {
			continue
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func init() {
	quoteCmd.Flags().StringVar(&contentType, "content-type", "", "Content type to record (guessed from the name when empty)")
	uploadCmd.Flags().StringVar(&contentType, "content-type", "", "Content type to record (guessed from the name when empty)")
	uploadCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Accept the quote without asking")
	uploadCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress bars")
	downloadCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress bars")
	rootCmd.AddCommand(quoteCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
}
