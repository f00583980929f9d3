package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zzenonn/chainstore/internal/domain"
)

var jobLimit int

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		job, err := chainstore.Jobs.Get(context.Background(), args[0])
		if err != nil {
			fmt.Printf("Error reading job: %v\n", err)
			return
		}
		printJob(job)
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		jobs, err := chainstore.Jobs.List(context.Background(), jobLimit)
		if err != nil {
			fmt.Printf("Error listing jobs: %v\n", err)
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSTATE\tFILE\tCREATED\tMESSAGE")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.Kind, j.State, j.FileName, j.CreatedAt.Local().Format(time.DateTime), j.Message)
		}
		w.Flush()
	},
}

func printJob(j domain.Job) {
	fmt.Printf("Job:      %s (%s)\n", j.ID, j.Kind)
	fmt.Printf("State:    %s\n", j.State)
	if j.FileName != "" {
		fmt.Printf("File:     %s (%s, %d bytes, sha256 %s)\n", j.FileName, j.ContentType, j.FileSize, j.FileHash)
	}
	if j.ChunkCount > 0 {
		fmt.Printf("Chunks:   %d (%d broadcast)\n", j.ChunkCount, len(j.Locators))
	}
	if j.Kind == domain.KindUpload && j.PaymentAddress != "" {
		fmt.Printf("Payment:  %d sat to %s\n", j.AmountDue, j.PaymentAddress)
		if !j.PaymentDeadline.IsZero() {
			fmt.Printf("Deadline: %s\n", j.PaymentDeadline.Local().Format(time.RFC1123))
		}
	}
	if !j.ManifestTxID.IsZero() {
		fmt.Printf("Manifest: %s\n", j.ManifestTxID)
	}
	if j.Message != "" {
		fmt.Printf("Message:  %s\n", j.Message)
	}
	if j.Error != "" {
		fmt.Printf("Error:    %s\n", j.Error)
	}
}

func init() {
	jobsCmd.Flags().IntVarP(&jobLimit, "limit", "n", 20, "Maximum number of jobs to list")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobsCmd)
}
