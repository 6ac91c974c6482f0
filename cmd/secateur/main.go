package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/joseph-ayodele/secateur/internal/server"
)

const usage = `usage: secateur [flags] <command> <arg>

commands:
  submit  <query>   submit a raw query, e.g. 'url=http://example.com/a.csv&column=age&value=30'
  status  <job_id>  show the job stage
  fetch   <job_id>  write the job artifact to --out (default stdout)
  history <job_id>  list recorded stage changes

flags:
`

// options holds the parsed command-line flags.
type options struct {
	addr    string
	out     string
	wait    bool
	timeout time.Duration
}

func main() {
	var opts options
	pflag.StringVar(&opts.addr, "addr", envOr("SECATEUR_ADDR", "localhost:8080"), "secateurd gRPC address")
	pflag.StringVarP(&opts.out, "out", "o", "-", "fetch output file, - for stdout")
	pflag.BoolVar(&opts.wait, "wait", false, "submit: poll until the job completes or fails")
	pflag.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall deadline")
	pflag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if pflag.NArg() != 2 {
		pflag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, opts, pflag.Arg(0), pflag.Arg(1), os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit code. Every
// resource it opens is released before it returns.
func run(ctx context.Context, opts options, cmd, arg string, stdout, stderr io.Writer) int {
	switch cmd {
	case "submit", "status", "fetch", "history":
	default:
		fmt.Fprintf(stderr, "secateur: unknown command %q\n", cmd)
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	conn, err := grpc.NewClient(opts.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(stderr, "secateur: connect %s: %v\n", opts.addr, err)
		return 1
	}
	defer conn.Close()
	c := server.NewClient(conn)

	switch cmd {
	case "submit":
		err = submit(ctx, c, arg, opts.wait, stdout, stderr)
	case "status":
		err = printStatus(ctx, c, arg, stdout)
	case "fetch":
		err = fetch(ctx, c, arg, opts.out, stdout)
	case "history":
		err = history(ctx, c, arg, stdout)
	}
	if err != nil {
		fmt.Fprintf(stderr, "secateur: %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func submit(ctx context.Context, c *server.Client, query string, wait bool, stdout, stderr io.Writer) error {
	id, err := c.Submit(ctx, query)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, id)
	if !wait {
		return nil
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, id)
		if err != nil {
			return err
		}
		switch st.Progress {
		case "complete":
			fmt.Fprintln(stderr, "complete")
			return nil
		case "failed":
			return fmt.Errorf("job failed: %s", st.Reason)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printStatus(ctx context.Context, c *server.Client, id string, stdout io.Writer) error {
	st, err := c.Status(ctx, id)
	if err != nil {
		return err
	}
	if st.Reason != "" {
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", st.JobID, st.Stage, st.Reason)
		return nil
	}
	fmt.Fprintf(stdout, "%s\t%s\n", st.JobID, st.Stage)
	return nil
}

func fetch(ctx context.Context, c *server.Client, id, path string, stdout io.Writer) (err error) {
	w := stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		w = f
	}
	_, err = c.Fetch(ctx, id, w)
	return err
}

func history(ctx context.Context, c *server.Client, id string, stdout io.Writer) error {
	events, err := c.History(ctx, id)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return errors.New("no events recorded")
	}
	for _, e := range events {
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", e.At, e.Stage, e.Reason)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
