// jobctl is an operator tool for the job ledger: list failed jobs, inspect
// one, retry one or all.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"docbrain/pkg/queue"
)

func main() {
	redisAddr := flag.String("redis", envOr("REDIS_ADDR", "localhost:6379"), "redis address")
	redisPassword := flag.String("redis-password", os.Getenv("REDIS_PASSWORD"), "redis password")
	stream := flag.String("stream", envOr("DOCBRAIN_QUEUE_NAME", "docbrain:tasks"), "task stream name")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	client := redis.NewClient(&redis.Options{Addr: *redisAddr, Password: *redisPassword})
	ledger, err := queue.NewLedger(client, "docbrain", 0)
	if err != nil {
		log.Fatalf("init ledger: %v", err)
	}
	broker, err := queue.NewRedisBroker(client, queue.RedisBrokerConfig{
		Stream:   *stream,
		Group:    "docbrain-workers",
		Consumer: "jobctl-" + uuid.NewString(),
	})
	if err != nil {
		log.Fatalf("init broker: %v", err)
	}
	jobQueue, err := queue.NewJobQueue(ledger, broker, queue.JobQueueConfig{})
	if err != nil {
		log.Fatalf("init queue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd := flag.Arg(0); cmd {
	case "failed":
		listFailed(ctx, jobQueue)
	case "show":
		if flag.NArg() < 2 {
			log.Fatal("usage: jobctl show <job-id>")
		}
		show(ctx, jobQueue, flag.Arg(1))
	case "retry":
		if flag.NArg() < 2 {
			log.Fatal("usage: jobctl retry <job-id>|--all")
		}
		retry(ctx, jobQueue, flag.Arg(1))
	default:
		log.Fatalf("unknown command %q", cmd)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: jobctl [flags] <command>

commands:
  failed             list failed jobs
  show <job-id>      print one job record
  retry <job-id>     re-enqueue a failed job
  retry --all        re-enqueue every failed job

flags:
`)
	flag.PrintDefaults()
}

func listFailed(ctx context.Context, q *queue.JobQueue) {
	red := color.New(color.FgRed, color.Bold).SprintFunc()
	count := 0
	err := q.ScanFailed(ctx, func(rec queue.JobRecord) bool {
		count++
		fmt.Printf("%s  %-22s attempts=%d  %s\n", red(rec.ID), rec.Task.Kind, rec.Attempts, rec.ErrorMessage)
		return true
	})
	if err != nil {
		log.Fatalf("scan failed jobs: %v", err)
	}
	if count == 0 {
		fmt.Println("no failed jobs")
	}
}

func show(ctx context.Context, q *queue.JobQueue, jobID string) {
	rec, ok, err := q.GetJob(ctx, jobID)
	if err != nil {
		log.Fatalf("get job: %v", err)
	}
	if !ok {
		log.Fatalf("job %s not found", jobID)
	}
	bold := color.New(color.Bold).SprintFunc()
	fmt.Printf("%s %s\n", bold("id:"), rec.ID)
	fmt.Printf("%s %s\n", bold("kind:"), rec.Task.Kind)
	fmt.Printf("%s %s\n", bold("status:"), rec.Status)
	fmt.Printf("%s %d\n", bold("attempts:"), rec.Attempts)
	fmt.Printf("%s %s\n", bold("created:"), rec.CreatedAt.Format(time.RFC3339))
	fmt.Printf("%s %s\n", bold("updated:"), rec.UpdatedAt.Format(time.RFC3339))
	if rec.ErrorMessage != "" {
		fmt.Printf("%s %s\n", bold("error:"), rec.ErrorMessage)
	}
	if rec.Result != "" {
		fmt.Printf("%s %s\n", bold("result:"), rec.Result)
	}
}

func retry(ctx context.Context, q *queue.JobQueue, target string) {
	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	if target != "--all" {
		if err := q.Retry(ctx, target); err != nil {
			log.Fatalf("retry %s: %v", target, err)
		}
		fmt.Printf("%s %s\n", green("re-enqueued"), target)
		return
	}
	var ids []string
	if err := q.ScanFailed(ctx, func(rec queue.JobRecord) bool {
		ids = append(ids, rec.ID)
		return true
	}); err != nil {
		log.Fatalf("scan failed jobs: %v", err)
	}
	for _, id := range ids {
		if err := q.Retry(ctx, id); err != nil {
			log.Printf("retry %s: %v", id, err)
			continue
		}
		fmt.Printf("%s %s\n", green("re-enqueued"), id)
	}
	if len(ids) == 0 {
		fmt.Println("no failed jobs")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
